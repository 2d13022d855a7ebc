package realtime

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gorilla/websocket"

	"chat-sync/internal/errs"
	"chat-sync/internal/observability"
	"chat-sync/internal/transport"
)

// WSFeed streams a conversation's changes from a chat server's websocket
// endpoint at <base>/ws/chats/<id>.
type WSFeed struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

// NewWSFeed constructs a WSFeed. token is sent as a bearer credential.
func NewWSFeed(baseURL, token string) *WSFeed {
	return &WSFeed{
		baseURL: baseURL,
		token:   token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

func (f *WSFeed) endpoint(conversationID string) (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse feed url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = path.Join("/", u.Path, "ws", "chats", conversationID)
	return u.String(), nil
}

// Subscribe dials the conversation's stream.
func (f *WSFeed) Subscribe(ctx context.Context, conversationID string) (transport.LiveSubscription, error) {
	endpoint, err := f.endpoint(conversationID)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	if f.token != "" {
		header.Set("Authorization", "Bearer "+f.token)
	}

	conn, resp, err := f.dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: status %d: %w", conversationID, resp.StatusCode, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("dial %s: %w", conversationID, err)
	}

	s := newSubscription(func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	go f.pump(s, conn, conversationID)
	return s, nil
}

func (f *WSFeed) pump(s *subscription, conn *websocket.Conn, conversationID string) {
	defer close(s.events)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}
		ev, err := Decode(conversationID, data)
		if err != nil {
			observability.IncLiveEvent("unknown", "invalid")
			log.Printf("realtime: dropping frame conversation=%s: %v", conversationID, err)
			continue
		}
		if !s.send(ev) {
			return
		}
	}
}

var _ transport.LiveFeed = (*WSFeed)(nil)
