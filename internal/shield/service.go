package shield

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Version is reported in the Powered-By header.
var Version = "dev"

type Service struct {
	cfg   Config
	hosts *HostMap

	store     Store
	results   *resultCache
	fetcher   *Fetcher
	pages     *ErrorPages
	static    http.Handler
	metrics   *Metrics
	cron      *cron.Cron
	warnLog   *rateLimitedLogger
	stats     *statsCollector
	poweredBy string

	startOnce sync.Once
	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

type options struct {
	resolver Resolver
	dial     dialFunc
}

type Option func(*options)

// WithResolver replaces the DNS resolver used by the address guard.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// WithDialer replaces the dialer used for upstream connections. Addresses
// it receives have already passed the address guard.
func WithDialer(dial func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(o *options) { o.dial = dial }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if cfg.hosts == nil {
		return nil, errors.New("config is not compiled, use LoadConfig or ParseConfig")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	warn := newRateLimitedLogger(time.Minute)
	store, err := openStore(cfg, newRateLimitedLogger(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}

	m := NewMetrics()
	guard := NewGuard(o.resolver)
	client := newUpstreamClient(cfg, guard, o.dial)
	results := newResultCache(cfg.Memory.Entries, cfg.Memory.ttlDur, cfg.Memory.failureTTLDur)
	rw := NewRewriter(cfg.Scheme(), cfg.hosts)
	pages := NewErrorPages(cfg.Scheme(), cfg.hosts.Hostname(RoleFront))

	s := &Service{
		cfg:       cfg,
		hosts:     cfg.hosts,
		store:     store,
		results:   results,
		fetcher:   newFetcher(cfg, store, results, rw, guard, client, m, warn),
		pages:     pages,
		static:    newStaticSite(cfg.Storage.FilesDir, pages),
		metrics:   m,
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log.Default())))),
		warnLog:   warn,
		poweredBy: "fedishield/" + Version + " Go/" + runtime.Version(),
		stopCh:    make(chan struct{}),
	}
	if cfg.Logging.logStatsEveryDur > 0 {
		s.stats = newStatsCollector()
	}

	if _, err := s.cron.AddFunc(cfg.Storage.PruneSchedule, func() {
		if _, err := s.PruneNow(); err != nil {
			log.Printf("prune failed: %v", err)
		}
	}); err != nil {
		s.closeResources()
		return nil, fmt.Errorf("storage.pruneSchedule: %w", err)
	}
	return s, nil
}

// Start runs the prune schedule and the periodic stats log.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		s.cron.Start()
		if s.stats != nil {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.statsLoop(s.cfg.Logging.logStatsEveryDur)
			}()
		}
	})
}

func (s *Service) Close() {
	s.closeOnce.Do(func() {
		<-s.cron.Stop().Done()
		close(s.stopCh)
		s.wg.Wait()
		s.closeResources()
	})
}

func (s *Service) closeResources() {
	s.fetcher.Close()
	s.results.Close()
	if err := s.store.Close(); err != nil {
		log.Printf("close cache store: %v", err)
	}
}

func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(s.handle)
}

func (s *Service) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

// PruneNow deletes every expired envelope and returns how many went.
func (s *Service) PruneNow() (int, error) {
	n, err := s.store.Prune()
	if n > 0 {
		log.Printf("Pruned %d cached file(s)", n)
		s.metrics.pruned.Add(float64(n))
	}
	return n, err
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			rss := "n/a"
			if b, ok := processRSSBytes(); ok {
				rss = formatBytes(b)
			}
			log.Printf(
				"Served: %d (%d cached), Memory entries: %d, In flight: %d, Body min/avg/max %s/%s/%s, RSS: %s",
				ss.Served,
				ss.Hits,
				s.results.Size(),
				s.fetcher.InFlight(),
				formatBytes(ss.MinBody),
				formatBytes(ss.AvgBody),
				formatBytes(ss.MaxBody),
				rss,
			)
		}
	}
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
