package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-whiteboard/pkg/collab"
)

var ErrNotConnected = errors.New("not connected")

type subscription struct {
	ctx context.Context
	ch  chan collab.Message
}

// Client is a Channel that keeps a websocket connection to a Hub open, redialling
// with exponential backoff whenever it drops. Messages broadcast while
// disconnected fail with ErrNotConnected.
type Client struct {
	url    string
	id     string
	dialer *websocket.Dialer
	logger *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}

	writeMu sync.Mutex

	subsMu sync.Mutex
	subs   []*subscription

	cancel context.CancelFunc
	done   chan struct{}
}

var _ collab.Channel = (*Client)(nil)

// Dial starts connecting to url in the background and returns immediately.
func Dial(ctx context.Context, url string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		url:       url,
		id:        uuid.NewString(),
		dialer:    websocket.DefaultDialer,
		logger:    logger.With("url", url),
		connected: make(chan struct{}),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go c.run(ctx)
	return c
}

func (c *Client) ID() string {
	return c.id
}

// WaitConnected blocks until the first connection is established or ctx is done.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) Close() error {
	c.cancel()
	<-c.done
	return nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	var once sync.Once

	for ctx.Err() == nil {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err != nil {
			wait := bo.NextBackOff()
			c.logger.Error("failed to dial", "err", err, "retry", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
			}
			continue
		}
		bo.Reset()
		c.setConn(conn)
		once.Do(func() { close(c.connected) })
		c.logger.Info("connected")

		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		if err := c.readLoop(ctx, conn); err != nil && ctx.Err() == nil {
			c.logger.Error("connection lost", "err", err)
		}
		stop()
		c.setConn(nil)
		_ = conn.Close()
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		mt, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.TextMessage {
			continue
		}
		var msg collab.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			c.logger.Error("failed to decode message", "err", err)
			continue
		}
		if msg.SenderID == c.id {
			continue
		}
		c.dispatch(ctx, msg)
	}
}

func (c *Client) dispatch(ctx context.Context, msg collab.Message) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, sub := range c.subs {
		select {
		case sub.ch <- msg:
		case <-sub.ctx.Done():
		case <-ctx.Done():
			return
		}
	}
}

func (c *Client) BroadcastMessage(_ context.Context, msgType string, content json.RawMessage) error {
	payload, err := json.Marshal(collab.Message{Type: msgType, Content: content, SenderID: c.id})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) ObserveMessages(ctx context.Context) (<-chan collab.Message, error) {
	sub := &subscription{ctx: ctx, ch: make(chan collab.Message, 64)}
	c.subsMu.Lock()
	c.subs = append(c.subs, sub)
	c.subsMu.Unlock()

	go func() {
		<-ctx.Done()
		c.subsMu.Lock()
		defer c.subsMu.Unlock()
		for i, s := range c.subs {
			if s == sub {
				c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
				break
			}
		}
		close(sub.ch)
	}()
	return sub.ch, nil
}
