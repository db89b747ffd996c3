package mtls

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/trustplane/trustplane/internal/events"
	"github.com/trustplane/trustplane/internal/logging"
)

// DefaultExpiryThreshold is how far ahead the watcher warns about
// expiring certificates.
const DefaultExpiryThreshold = 30 * 24 * time.Hour

// DefaultWatchInterval is how often the watcher sweeps.
const DefaultWatchInterval = time.Hour

var certExpirySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "trustplane_mtls_certificate_expiry_seconds",
	Help: "Seconds until the active certificate of a TLS context expires.",
}, []string{"context"})

// Watcher periodically sweeps every registered context and raises a
// warning when a certificate is inside the expiry threshold. Each sweep
// emits at most one warning per context.
type Watcher struct {
	manager   *Manager
	interval  time.Duration
	threshold time.Duration
	logger    *logging.Logger
	bus       *events.Bus

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewWatcher creates a watcher over the manager's contexts. Zero
// interval and threshold take the defaults.
func NewWatcher(manager *Manager, interval, threshold time.Duration, opts ...WatcherOption) *Watcher {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}
	if threshold <= 0 {
		threshold = DefaultExpiryThreshold
	}
	w := &Watcher{
		manager:   manager,
		interval:  interval,
		threshold: threshold,
		logger:    logging.New(false, false).WithComponent("mtls"),
		stop:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *logging.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger.WithComponent("mtls") }
}

// WithWatcherEventBus publishes expiry events to the bus.
func WithWatcherEventBus(bus *events.Bus) WatcherOption {
	return func(w *Watcher) { w.bus = bus }
}

// Start launches the sweep loop. An immediate sweep runs before the
// first tick.
func (w *Watcher) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.Sweep()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				w.Sweep()
			case <-w.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	w.wg.Wait()
}

// Sweep inspects every context once.
func (w *Watcher) Sweep() {
	for _, name := range w.manager.ContextNames() {
		info, err := w.manager.ContextInfo(name)
		if err != nil {
			w.logger.Warn("Cannot inspect TLS context %s: %v", name, err)
			continue
		}

		remaining := time.Until(info.NotAfter)
		certExpirySeconds.WithLabelValues(name).Set(remaining.Seconds())

		if remaining >= w.threshold {
			continue
		}
		w.logger.Warn("Certificate for context %s expires in %s (%s)",
			name, formatRemaining(remaining), info.NotAfter.Format("2006-01-02"))
		if w.bus != nil {
			w.bus.Publish(events.Event{
				Type:    events.TypeCertExpiring,
				Subject: name,
				Source:  "mtls",
				Success: true,
				Metadata: map[string]interface{}{
					"not_after":         info.NotAfter,
					"remaining_seconds": int64(remaining.Seconds()),
				},
			})
		}
	}
}

func formatRemaining(d time.Duration) string {
	if d <= 0 {
		return "0 days"
	}
	days := int(d.Hours() / 24)
	if days == 0 {
		return d.Round(time.Minute).String()
	}
	if days == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", days)
}
