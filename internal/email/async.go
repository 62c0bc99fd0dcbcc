package email

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Async queues notifications for a background sender so callers never wait on
// SMTP. Notifications are dropped when the queue is full.
type Async struct {
	next    notifier
	queue   chan Notification
	logger  zerolog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

func NewAsync(next notifier, logger zerolog.Logger, buffer int) *Async {
	if buffer <= 0 {
		buffer = 128
	}
	a := &Async{
		next:    next,
		queue:   make(chan Notification, buffer),
		logger:  logger.With().Str("component", "notify").Logger(),
		timeout: 30 * time.Second,
	}
	a.wg.Add(1)
	go a.loop()
	return a
}

func (a *Async) Notify(_ context.Context, n Notification) error {
	select {
	case a.queue <- n:
	default:
		a.logger.Warn().Str("kind", n.Kind).Str("documentId", n.DocumentID).Msg("notification queue full; dropping")
	}
	return nil
}

func (a *Async) loop() {
	defer a.wg.Done()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Notify(ctx, n); err != nil {
			a.logger.Error().Err(err).Str("kind", n.Kind).Str("documentId", n.DocumentID).Msg("notification failed")
		}
		cancel()
	}
}

// Close drains queued notifications and stops the sender. Notify must not be
// called after Close.
func (a *Async) Close() {
	a.once.Do(func() {
		close(a.queue)
		a.wg.Wait()
	})
}
