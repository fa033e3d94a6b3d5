/*
backlog.go - Periodic pending-request gauges

PURPOSE:
  Periodically counts change requests still in "requested" and exports:
  - obelisk_change_requests_pending{kind}
  - obelisk_change_requests_oldest_pending_seconds{kind}

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Kinds that drop to zero pending requests are reset to 0, not removed

USAGE:
  reporter := metrics.NewBacklogReporter(store, prometheus.DefaultRegisterer, logger)
  reporter.Start()
  // ... later
  reporter.Stop()
*/
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/warp/obelisk/changerequest"
)

// BacklogReporter refreshes the pending gauges on a ticker.
type BacklogReporter struct {
	Store         changerequest.Store
	Logger        logrus.FieldLogger
	CheckInterval time.Duration
	Now           func() time.Time

	pending *prometheus.GaugeVec
	oldest  *prometheus.GaugeVec
	seen    map[changerequest.Kind]bool
	seenMu  sync.Mutex

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewBacklogReporter registers the gauges on reg.
func NewBacklogReporter(store changerequest.Store, reg prometheus.Registerer, logger logrus.FieldLogger) *BacklogReporter {
	r := &BacklogReporter{
		Store:         store,
		Logger:        logger,
		CheckInterval: time.Minute,
		Now:           time.Now,
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "obelisk",
			Name:      "change_requests_pending",
			Help:      "Change requests awaiting a decision.",
		}, []string{"kind"}),
		oldest: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "obelisk",
			Name:      "change_requests_oldest_pending_seconds",
			Help:      "Age of the oldest change request awaiting a decision.",
		}, []string{"kind"}),
		seen: make(map[changerequest.Kind]bool),
	}
	reg.MustRegister(r.pending, r.oldest)
	return r
}

// Start begins the periodic refresh.
func (r *BacklogReporter) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker != nil {
		return
	}
	r.ticker = time.NewTicker(r.CheckInterval)
	r.stop = make(chan struct{})
	r.wg.Add(1)

	go r.run(r.ticker.C, r.stop)

	r.Logger.WithField("interval", r.CheckInterval).Info("backlog reporter started")
}

// Stop stops the refresh and waits for an in-flight one to finish.
func (r *BacklogReporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.ticker == nil {
		return
	}
	r.ticker.Stop()
	close(r.stop)
	r.wg.Wait()
	r.ticker = nil
	r.Logger.Info("backlog reporter stopped")
}

func (r *BacklogReporter) run(tick <-chan time.Time, stop <-chan struct{}) {
	defer r.wg.Done()

	// Run immediately on start
	r.refreshLogged()

	for {
		select {
		case <-tick:
			r.refreshLogged()
		case <-stop:
			return
		}
	}
}

func (r *BacklogReporter) refreshLogged() {
	if err := r.Refresh(context.Background()); err != nil {
		r.Logger.WithError(err).Warn("backlog refresh failed")
	}
}

// Refresh recomputes the gauges once.
func (r *BacklogReporter) Refresh(ctx context.Context) error {
	pending, err := r.Store.List(ctx, changerequest.Filter{State: changerequest.StateRequested})
	if err != nil {
		return err
	}

	now := r.Now()
	counts := make(map[changerequest.Kind]int)
	oldest := make(map[changerequest.Kind]time.Time)
	for _, cr := range pending {
		counts[cr.Kind]++
		if at, ok := oldest[cr.Kind]; !ok || cr.RequestedAt.Before(at) {
			oldest[cr.Kind] = cr.RequestedAt
		}
	}

	r.seenMu.Lock()
	defer r.seenMu.Unlock()
	for kind := range counts {
		r.seen[kind] = true
	}
	for kind := range r.seen {
		r.pending.WithLabelValues(string(kind)).Set(float64(counts[kind]))
		age := 0.0
		if at, ok := oldest[kind]; ok {
			age = now.Sub(at).Seconds()
		}
		r.oldest.WithLabelValues(string(kind)).Set(age)
	}
	return nil
}
