// Package transport is the client half of the real-time connection to the
// relay: dialing the WebSocket gateway, subscribing to channels, sending
// and receiving wire envelopes, and reconnecting with backoff when the
// connection drops. A single full-duplex connection per username
// multiplexes every channel the client cares about.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/q10elabs/mlschat/internal/mlserrors"
	"github.com/q10elabs/mlschat/internal/wire"
)

// backoff schedule for reconnect attempts: exponential from 1s, capped at
// 32s, with a bounded number of tries before giving up entirely.
var backoffSchedule = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
	16 * time.Second, 32 * time.Second,
}

const maxReconnectAttempts = 12

// Incoming is one envelope read off the wire together with the raw bytes it
// was decoded from (internal/hub passes only the decoded form on to
// membership processing; Raw is not read by any caller in this module).
type Incoming struct {
	Envelope wire.Envelope
	Raw      []byte
}

// Conn is a reconnecting client connection to the relay's WebSocket
// gateway. Zero value is not usable; construct with Dial.
type Conn struct {
	url    string
	origin string
	log    *slog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	subs   map[string]struct{} // channels subscribed to (own username + base64 group-ids), re-sent on reconnect
	closed bool

	incoming chan Incoming
}

// Dial opens the initial WebSocket connection and subscribes to the
// caller's own username channel; every client always listens on its own
// channel so Welcome messages can reach it before any group subscription
// exists.
func Dial(ctx context.Context, relayURL, username string, log *slog.Logger) (*Conn, error) {
	wsURL := strings.Replace(relayURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.TrimSuffix(wsURL, "/") + "/ws/" + username

	c := &Conn{
		url:      wsURL,
		log:      log,
		subs:     map[string]struct{}{username: {}},
		incoming: make(chan Incoming, 64),
	}

	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	go c.readLoop(ctx)
	return c, nil
}

func (c *Conn) dial(ctx context.Context) error {
	ws, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"User-Agent": []string{"mlschat-client"}},
	})
	if err != nil {
		return &mlserrors.NetworkError{Op: "transport.dial", Err: err}
	}
	ws.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.ws = ws
	subs := make([]string, 0, len(c.subs))
	for g := range c.subs {
		subs = append(subs, g)
	}
	c.mu.Unlock()

	for _, g := range subs {
		if err := c.writeControl(ctx, wire.ActionSubscribe, g); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeControl(ctx context.Context, action wire.Action, groupID string) error {
	frame := wire.ControlFrame{Action: action, GroupID: groupID}
	data, err := json.Marshal(frame)
	if err != nil {
		return &mlserrors.WireError{Reason: "encoding control frame", Err: err}
	}
	return c.writeRaw(ctx, data)
}

func (c *Conn) writeRaw(ctx context.Context, data []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return &mlserrors.NetworkError{Op: "transport.write", Err: fmt.Errorf("not connected")}
	}
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		return &mlserrors.NetworkError{Op: "transport.write", Err: err}
	}
	return nil
}

// Subscribe registers interest in groupID's channel, both locally (so a
// future reconnect re-subscribes) and against the live connection.
func (c *Conn) Subscribe(ctx context.Context, groupID string) error {
	c.mu.Lock()
	c.subs[groupID] = struct{}{}
	c.mu.Unlock()
	return c.writeControl(ctx, wire.ActionSubscribe, groupID)
}

// Send encodes and writes env to the gateway.
func (c *Conn) Send(ctx context.Context, env wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return c.writeRaw(ctx, data)
}

// Next blocks until the next incoming envelope arrives or ctx is done.
func (c *Conn) Next(ctx context.Context) (Incoming, error) {
	select {
	case in, ok := <-c.incoming:
		if !ok {
			return Incoming{}, &mlserrors.NetworkError{Op: "transport.next", Err: fmt.Errorf("connection closed")}
		}
		return in, nil
	case <-ctx.Done():
		return Incoming{}, ctx.Err()
	}
}

// Close tears down the connection for good; no further reconnect is
// attempted.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws != nil {
		return ws.Close(websocket.StatusNormalClosure, "closing")
	}
	return nil
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		ws := c.ws
		closed := c.closed
		c.mu.Unlock()
		if closed {
			close(c.incoming)
			return
		}

		_, data, err := ws.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed = c.closed
			c.mu.Unlock()
			if ctx.Err() != nil || closed {
				close(c.incoming)
				return
			}
			c.log.Warn("gateway read error, reconnecting", "error", err)
			if !c.reconnect(ctx) {
				close(c.incoming)
				return
			}
			continue
		}

		if wire.IsControlFrame(data) {
			continue // the relay never sends control frames to clients
		}

		env, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed envelope", "error", err)
			continue
		}

		select {
		case c.incoming <- Incoming{Envelope: env, Raw: data}:
		case <-ctx.Done():
			close(c.incoming)
			return
		}
	}
}

// reconnect retries dial with exponential backoff up to maxReconnectAttempts,
// re-subscribing to every channel this connection previously held interest
// in. It returns false once the attempt budget is exhausted.
func (c *Conn) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < maxReconnectAttempts; attempt++ {
		delay := backoffSchedule[len(backoffSchedule)-1]
		if attempt < len(backoffSchedule) {
			delay = backoffSchedule[attempt]
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}

		if err := c.dial(ctx); err != nil {
			c.log.Warn("reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}
		c.log.Info("reconnected to gateway", "attempt", attempt+1)
		return true
	}
	c.log.Error("exhausted reconnect attempts, giving up", "attempts", maxReconnectAttempts)
	return false
}
