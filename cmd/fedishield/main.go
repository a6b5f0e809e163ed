package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"fedishield/internal/shield"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", getenvDefault("FEDISHIELD_CONFIG", "/fedishield.yaml"), "path to fedishield.yaml")
	flag.Parse()

	cfg, err := shield.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	svc, err := shield.NewService(cfg)
	if err != nil {
		log.Fatalf("init service: %v", err)
	}
	defer svc.Close()

	addr := net.JoinHostPort(cfg.Server.Bind, fmt.Sprint(cfg.Server.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatalf("listen %s: %v", addr, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc.Start()

	servers := []*http.Server{{
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	listeners := []net.Listener{ln}
	log.Printf("fedishield listening on %s, front=%s", addr, cfg.Hosts.Front)

	if cfg.Server.MetricsAddr != "" {
		mln, err := net.Listen("tcp", cfg.Server.MetricsAddr)
		if err != nil {
			log.Fatalf("listen %s: %v", cfg.Server.MetricsAddr, err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", svc.MetricsHandler())
		servers = append(servers, &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		})
		listeners = append(listeners, mln)
		log.Printf("metrics listening on %s", cfg.Server.MetricsAddr)
	}

	g, gCtx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		ln := listeners[i]
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil {
		log.Printf("server error: %v", err)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
