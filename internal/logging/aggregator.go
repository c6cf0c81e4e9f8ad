package logging

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

type counter struct {
	component string
	event     string
	count     int64
	last      []slog.Attr
}

// Aggregator folds bursts of identical events (file-watcher churn, cache
// refreshes) into one "event_summary" record per interval.
type Aggregator struct {
	logger   *slog.Logger
	interval time.Duration

	mu       sync.Mutex
	counters map[string]*counter

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewAggregator returns an aggregator flushing every intervalSecs seconds.
// A nil logger turns Record into a counter that is never reported.
func NewAggregator(logger *slog.Logger, intervalSecs int) *Aggregator {
	if intervalSecs <= 0 {
		intervalSecs = 30
	}
	return &Aggregator{
		logger:   logger,
		interval: time.Duration(intervalSecs) * time.Second,
		counters: make(map[string]*counter),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the periodic flush.
func (a *Aggregator) Start() {
	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	go func() {
		defer close(a.done)
		t := time.NewTicker(a.interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				a.Flush()
			case <-a.stop:
				return
			}
		}
	}()
}

// Stop ends the flush loop and reports whatever is still pending. It is safe
// to call on an aggregator that was never started.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		close(a.stop)
		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if started {
			<-a.done
		}
		a.Flush()
	})
}

// Record bumps the count for (component, event); fields from the latest call win.
func (a *Aggregator) Record(component, event string, fields ...slog.Attr) {
	key := component + "/" + event
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.counters[key]
	if !ok {
		c = &counter{component: component, event: event}
		a.counters[key] = c
	}
	c.count++
	if len(fields) > 0 {
		c.last = fields
	}
}

// Flush emits one summary per recorded event and resets the counters.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	pending := a.counters
	a.counters = make(map[string]*counter)
	a.mu.Unlock()

	if a.logger == nil || len(pending) == 0 {
		return
	}

	keys := make([]string, 0, len(pending))
	for k := range pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		c := pending[k]
		args := []any{
			slog.String("component", c.component),
			slog.String("event", c.event),
			slog.Int64("count", c.count),
			slog.Duration("window", a.interval),
		}
		for _, f := range c.last {
			args = append(args, f)
		}
		a.logger.Info("event_summary", args...)
	}
}
