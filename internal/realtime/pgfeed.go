package realtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"chat-sync/internal/db"
	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

var errListenerClosed = errors.New("listener closed")

// PGFeed streams a conversation's changes over Postgres LISTEN/NOTIFY.
// The notify trigger installed by migrations produces the payloads.
type PGFeed struct {
	dsn          string
	minReconnect time.Duration
	maxReconnect time.Duration
	pingEvery    time.Duration
}

// NewPGFeed constructs a PGFeed for dsn.
func NewPGFeed(dsn string) *PGFeed {
	return &PGFeed{
		dsn:          dsn,
		minReconnect: 10 * time.Second,
		maxReconnect: time.Minute,
		pingEvery:    90 * time.Second,
	}
}

// Subscribe opens a dedicated listener connection. It returns once the
// first connection attempt has settled.
func (f *PGFeed) Subscribe(ctx context.Context, conversationID string) (transport.LiveSubscription, error) {
	ready := make(chan error, 1)
	listener := pq.NewListener(f.dsn, f.minReconnect, f.maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			select {
			case ready <- nil:
			default:
			}
		case pq.ListenerEventConnectionAttemptFailed:
			select {
			case ready <- err:
			default:
			}
		}
		if err != nil {
			log.Printf("realtime: listener event=%d conversation=%s err=%v", ev, conversationID, err)
		}
	})

	select {
	case err := <-ready:
		if err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("listen %s: %w", conversationID, err)
		}
	case <-ctx.Done():
		_ = listener.Close()
		return nil, ctx.Err()
	}

	if err := listener.Listen(db.NotifyChannel(conversationID)); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", conversationID, err)
	}

	s := newSubscription(func() { _ = listener.Close() })
	go f.pump(ctx, s, listener, conversationID)
	return s, nil
}

func (f *PGFeed) pump(ctx context.Context, s *subscription, listener *pq.Listener, conversationID string) {
	defer close(s.events)
	ticker := time.NewTicker(f.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		case n, ok := <-listener.Notify:
			if !ok {
				s.fail(errListenerClosed)
				return
			}
			if n == nil {
				// pq delivers nil after a reconnect.
				s.fail(ErrGap)
				return
			}
			ev, err := Decode(conversationID, []byte(n.Extra))
			if err != nil {
				observability.IncLiveEvent("unknown", "invalid")
				log.Printf("realtime: dropping notification channel=%s: %v", n.Channel, err)
				continue
			}
			if !s.send(ev) {
				return
			}
		case <-ticker.C:
			go func() {
				if err := listener.Ping(); err != nil {
					log.Printf("realtime: listener ping conversation=%s: %v", conversationID, err)
				}
			}()
		}
	}
}

var _ transport.LiveFeed = (*PGFeed)(nil)
