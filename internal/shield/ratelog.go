package shield

import (
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// rateLimitedLogger drops messages arriving less than interval after the
// last one it printed. Upstream failures can come in bursts.
type rateLimitedLogger struct {
	mu      sync.Mutex
	s       rate.Sometimes
	dropped int
}

func newRateLimitedLogger(interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{s: rate.Sometimes{Interval: interval}}
}

func (l *rateLimitedLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	printed := false
	l.s.Do(func() {
		printed = true
		if l.dropped > 0 {
			log.Printf("(%d similar message(s) suppressed)", l.dropped)
			l.dropped = 0
		}
		log.Printf(format, args...)
	})
	if !printed {
		l.dropped++
	}
}
