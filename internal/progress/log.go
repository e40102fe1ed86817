package progress

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	logx "thumbq/pkg/logx"
)

// Log reports progress as rate-limited info lines, for non-interactive output.
type Log struct {
	log   logx.Logger
	every time.Duration

	mu      sync.Mutex
	limiter *rate.Limiter
	started time.Time
	total   int
	done    int
	active  bool
}

func NewLog(log logx.Logger, every time.Duration) *Log {
	if log.IsZero() {
		log = logx.Nop()
	}
	if every <= 0 {
		every = 2 * time.Second
	}
	return &Log{log: log.With(logx.String("comp", "progress")), every: every}
}

func (l *Log) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started = time.Now()
	l.total, l.done = 0, 0
	l.active = true
	// The first tick of a period always logs.
	l.limiter = rate.NewLimiter(rate.Every(l.every), 1)
	l.log.Info(Title)
}

func (l *Log) SetTotal(n int) {
	l.mu.Lock()
	l.total = n
	l.mu.Unlock()
}

func (l *Log) Tick() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	l.done++
	if !l.limiter.Allow() {
		return
	}
	l.log.Info(Title,
		logx.String("done", humanize.Comma(int64(l.done))),
		logx.String("total", humanize.Comma(int64(l.total))),
		logx.String("rate", perSecond(l.done, time.Since(l.started))),
	)
}

func (l *Log) Done() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.active {
		return
	}
	l.active = false
	elapsed := time.Since(l.started)
	l.log.Info(Title+" finished",
		logx.String("done", humanize.Comma(int64(l.done))),
		logx.Duration("elapsed", elapsed),
		logx.String("rate", perSecond(l.done, elapsed)),
	)
}

func perSecond(n int, d time.Duration) string {
	if d <= 0 {
		return "n/a"
	}
	return humanize.SIWithDigits(float64(n)/d.Seconds(), 1, "img/s")
}
