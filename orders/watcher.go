package orders

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/mekongcart/deliveryclient/session"
)

const defaultPollInterval = 5 * time.Second

// SessionStates is the slice of the session coordinator the watcher observes.
type SessionStates interface {
	States(ctx context.Context) <-chan session.State
}

// StatusUpdate is one observed order-status transition.
type StatusUpdate struct {
	OrderID int64
	Status  Status
	At      time.Time
}

// StatusWatcher polls an order's status and reports transitions. Polling
// stops when the order reaches a terminal status, when the caller cancels,
// or when the session ends: a logged-out user has no orders to watch.
type StatusWatcher struct {
	orders   *Client
	sessions SessionStates
	interval time.Duration
	log      zerolog.Logger
}

// WatcherOption modifies a StatusWatcher.
type WatcherOption func(*StatusWatcher)

// WithPollInterval overrides the default 5s poll interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *StatusWatcher) {
		w.interval = d
	}
}

// WithWatcherLogger sets the watcher logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *StatusWatcher) {
		w.log = logger
	}
}

// NewStatusWatcher creates a watcher. sessions may be nil, in which case only
// the caller's context stops the poll.
func NewStatusWatcher(ordersClient *Client, sessions SessionStates, options ...WatcherOption) *StatusWatcher {
	w := &StatusWatcher{
		orders:   ordersClient,
		sessions: sessions,
		interval: defaultPollInterval,
		log:      zerolog.Nop(),
	}
	for _, opt := range options {
		opt(w)
	}
	w.log = w.log.With().Str("component", "orderwatch").Logger()
	return w
}

// Watch polls orderID until it reaches a terminal status. The returned
// channel delivers one update per observed transition and closes when
// polling stops for any reason.
func (w *StatusWatcher) Watch(ctx context.Context, orderID int64) <-chan StatusUpdate {
	out := make(chan StatusUpdate, 1)
	watchCtx, cancel := context.WithCancel(ctx)

	if w.sessions != nil {
		go func() {
			for state := range w.sessions.States(watchCtx) {
				if state == session.StateLoggedOut {
					w.log.Debug().Int64("order_id", orderID).Msg("session ended, stopping poll")
					cancel()
					return
				}
			}
		}()
	}

	go func() {
		defer close(out)
		defer cancel()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		var last Status
		for {
			status, err := w.orders.Status(watchCtx, orderID)
			switch {
			case watchCtx.Err() != nil:
				return
			case err != nil:
				// Transient failures keep the poll alive; the next tick
				// tries again.
				w.log.Warn().Err(err).Int64("order_id", orderID).Msg("status poll failed")
			case status != last:
				last = status
				select {
				case out <- StatusUpdate{OrderID: orderID, Status: status, At: time.Now()}:
				case <-watchCtx.Done():
					return
				}
				if status.Terminal() {
					return
				}
			case status.Terminal():
				return
			}

			select {
			case <-ticker.C:
			case <-watchCtx.Done():
				return
			}
		}
	}()

	return out
}
