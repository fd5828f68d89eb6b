package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
)

// notifyListener holds one dedicated pgx connection on LISTEN and fans
// wakeups out to idle consume slots. Losing the connection degrades
// consumers to interval polling, so reconnects are retried with backoff
// rather than treated as fatal.
type notifyListener struct {
	dsn     string
	channel string

	mu      sync.Mutex
	subs    map[chan struct{}]bool
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newNotifyListener(dsn, channel string) *notifyListener {
	return &notifyListener{
		dsn:     dsn,
		channel: channel,
		subs:    make(map[chan struct{}]bool),
	}
}

// start launches the receive loop. Safe to call from multiple Consume
// calls; only the first starts the loop. A missing DSN disables NOTIFY.
func (l *notifyListener) start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.dsn == "" {
		return nil
	}

	conn, err := pgx.Connect(ctx, l.dsn)
	if err != nil {
		return err
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.started = true
	go func() {
		defer close(l.done)
		l.receiveLoop(loopCtx, conn)
	}()
	slog.Info("Broker notify listener started", "channel", l.channel)
	return nil
}

// receiveLoop waits for notifications, reconnecting on failure.
func (l *notifyListener) receiveLoop(ctx context.Context, conn *pgx.Conn) {
	defer func() {
		if conn != nil {
			closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = conn.Close(closeCtx)
			cancel()
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		_, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Notify listener connection lost, reconnecting", "error", err)
			_ = conn.Close(ctx)
			conn = l.reconnect(ctx)
			if conn == nil {
				return
			}
			continue
		}
		l.broadcast()
	}
}

// reconnect re-establishes the LISTEN connection with exponential backoff.
// Returns nil only when ctx is cancelled.
func (l *notifyListener) reconnect(ctx context.Context) *pgx.Conn {
	var conn *pgx.Conn
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	err := backoff.Retry(func() error {
		c, err := pgx.Connect(ctx, l.dsn)
		if err != nil {
			return err
		}
		if _, err := c.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
			_ = c.Close(ctx)
			return err
		}
		conn = c
		return nil
	}, policy)
	if err != nil {
		return nil
	}
	slog.Info("Notify listener reconnected", "channel", l.channel)
	return conn
}

// broadcast wakes every subscriber without blocking; a full buffer means
// that subscriber already has a pending wakeup.
func (l *notifyListener) broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// subscribe registers a wakeup channel for one consume slot.
func (l *notifyListener) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	l.subs[ch] = true
	l.mu.Unlock()
	return ch
}

func (l *notifyListener) unsubscribe(ch chan struct{}) {
	l.mu.Lock()
	delete(l.subs, ch)
	l.mu.Unlock()
}

// stop terminates the receive loop and waits for it to exit.
func (l *notifyListener) stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.started = false
	l.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}
