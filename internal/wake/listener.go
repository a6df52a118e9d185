// Package wake subscribes to the Postgres NOTIFY channel producers use to
// announce new reminders. Signals are best-effort: a missed one only costs
// latency, since the dispatch loop still polls.
package wake

import (
	"context"
	"sync"
	"time"

	"remindworker/internal/log"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// Channel is the NOTIFY channel name shared with the producing service.
const Channel = "reminder_pending"

const (
	minReconnect = 1 * time.Second
	maxReconnect = 30 * time.Second
	pingInterval = 90 * time.Second
)

// Listener holds the process-wide subscription. C() behaves as a pending
// flag: signals arriving while one is already pending are coalesced.
type Listener struct {
	pql    *pq.Listener
	c      chan struct{}
	logger *log.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts the subscription in the background. It never blocks on the
// database; connection problems are logged and retried by pq.
func Listen(dsn string, logger *log.Logger) *Listener {
	l := newListener(logger)
	l.pql = pq.NewListener(dsn, minReconnect, maxReconnect, l.onEvent)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.pql.Listen(Channel); err != nil {
			// pq keeps the channel registered and re-issues LISTEN on reconnect;
			// after Close, Notify is closed and forward returns at once
			l.logger.Warnw("listen failed, polling until reconnect", "channel", Channel, "error", err)
		} else {
			l.logger.Infow("subscribed", "channel", Channel)
		}
		l.forward(l.pql.Notify, l.ping)
	}()
	return l
}

func newListener(logger *log.Logger) *Listener {
	return &Listener{
		c:      make(chan struct{}, 1),
		logger: logger,
	}
}

// C delivers one value per pending wake-up.
func (l *Listener) C() <-chan struct{} {
	return l.c
}

// Close cancels the subscription and waits for the forwarding goroutine.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.pql != nil {
			err = l.pql.Close()
		}
		l.wg.Wait()
	})
	return err
}

// forward turns notifications into wake signals until src is closed. A nil
// notification means pq re-established the connection; anything sent while
// it was down is lost, so it also counts as a wake-up.
func (l *Listener) forward(src <-chan *pq.Notification, ping func() error) {
	idle := time.NewTimer(pingInterval)
	defer idle.Stop()

	for {
		select {
		case n, ok := <-src:
			if !ok {
				return
			}
			if n == nil {
				l.logger.Infow("connection re-established, waking worker")
			} else {
				l.logger.Debugw("notification received", "channel", n.Channel)
			}
			l.signal()
		case <-idle.C:
			if ping != nil {
				if err := ping(); err != nil {
					l.logger.Warnw("listener ping failed", "error", err)
				}
			}
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(pingInterval)
	}
}

func (l *Listener) signal() {
	select {
	case l.c <- struct{}{}:
	default:
	}
}

func (l *Listener) ping() error {
	return l.pql.Ping()
}

func (l *Listener) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		l.logger.Infow("listener connected")
	case pq.ListenerEventDisconnected:
		l.logger.Warnw("listener disconnected", "error", err)
	case pq.ListenerEventReconnected:
		l.logger.Infow("listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		l.logger.Warnw("listener connection attempt failed", "error", err)
	}
}

// Publish sends a wake signal. Producers call this after inserting a job
// that is due now or soon.
func Publish(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).Exec(`select pg_notify(?, '')`, Channel).Error
}
