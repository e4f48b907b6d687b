package mt5

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"cyclone/internal/gateway/venue"
	"cyclone/internal/logger"
	"cyclone/internal/pkg/backoff"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

// Stream subscribes to the bridge's quote feed over WebSocket. The
// reader reconnects forever until ctx ends; the tick channel closes only
// then. Frame layout differs between bridge builds, so fields are pulled
// tolerantly instead of decoded into a fixed struct.
type Stream struct {
	streamURL string
	dialer    *websocket.Dialer
	reconnect backoff.Policy
}

// NewStream builds a stream client for the bridge's ws endpoint.
func NewStream(streamURL string) (*Stream, error) {
	raw := strings.TrimSpace(streamURL)
	if raw == "" {
		return nil, fmt.Errorf("venue.stream_url is required")
	}
	if _, err := url.Parse(raw); err != nil {
		return nil, fmt.Errorf("parse venue.stream_url: %w", err)
	}
	return &Stream{
		streamURL: raw,
		dialer:    &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		reconnect: backoff.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 1 << 30},
	}, nil
}

var _ venue.TickStream = (*Stream)(nil)

// StreamTicks starts the reader goroutine and returns its channel.
func (s *Stream) StreamTicks(ctx context.Context, symbols []string) (<-chan venue.Tick, error) {
	endpoint, err := s.endpointFor(symbols)
	if err != nil {
		return nil, err
	}
	ch := make(chan venue.Tick, 256)
	go s.run(ctx, endpoint, ch)
	return ch, nil
}

func (s *Stream) endpointFor(symbols []string) (string, error) {
	u, err := url.Parse(s.streamURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if len(symbols) > 0 {
		q.Set("symbols", strings.Join(symbols, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *Stream) run(ctx context.Context, endpoint string, ch chan venue.Tick) {
	defer close(ch)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		conn, _, err := s.dialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			logger.Warnf("tick stream dial failed: %v", err)
			if err := s.reconnect.Sleep(ctx, attempt); err != nil {
				return
			}
			attempt++
			continue
		}
		logger.Infof("tick stream connected: %s", endpoint)
		attempt = 0
		s.readLoop(ctx, conn, ch)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		logger.Warnf("tick stream disconnected, reconnecting")
	}
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn, ch chan venue.Tick) {
	// unblock ReadMessage when ctx ends
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetReadDeadline(time.Now())
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		tick, ok := parseTickFrame(data)
		if !ok {
			continue
		}
		select {
		case ch <- tick:
		case <-ctx.Done():
			return
		default:
			// slow consumer: drop the oldest buffered tick, keep the newest
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- tick:
			default:
			}
		}
	}
}

// parseTickFrame extracts a quote from a stream frame. Accepts both the
// enveloped form {"type":"tick","data":{...}} and bare tick objects;
// anything without a symbol and a price is skipped.
func parseTickFrame(data []byte) (venue.Tick, bool) {
	root := gjson.ParseBytes(data)
	if t := root.Get("type"); t.Exists() && t.String() != "tick" {
		return venue.Tick{}, false
	}
	node := root
	if d := root.Get("data"); d.Exists() && d.IsObject() {
		node = d
	}
	symbol := strings.TrimSpace(node.Get("symbol").String())
	if symbol == "" {
		return venue.Tick{}, false
	}
	tick := venue.Tick{
		Symbol: symbol,
		Bid:    node.Get("bid").Float(),
		Ask:    node.Get("ask").Float(),
		Last:   node.Get("last").Float(),
	}
	if tick.Bid <= 0 && tick.Ask <= 0 && tick.Last <= 0 {
		return venue.Tick{}, false
	}
	switch {
	case node.Get("time_msc").Exists():
		tick.Time = time.UnixMilli(node.Get("time_msc").Int())
	case node.Get("time").Exists():
		tick.Time = time.Unix(node.Get("time").Int(), 0)
	default:
		tick.Time = time.Now()
	}
	return tick, true
}
