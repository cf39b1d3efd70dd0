package connectors

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	logger "github.com/sirupsen/logrus"
)

// Tick is one last-traded-price update from the streaming feed.
type Tick struct {
	Token     uint32
	LastPrice float64
}

// Ticker streams LTP-mode ticks over the Kite websocket feed. Prices arrive
// as paise in a binary frame and are converted to rupees here.
type Ticker struct {
	wsURL       string
	apiKey      string
	accessToken string

	mu     sync.Mutex
	conn   *websocket.Conn
	tokens []uint32

	OnTick func(Tick)
}

func NewTicker(cfg *Config) *Ticker {
	return &Ticker{
		wsURL:       cfg.KiteWSURL,
		apiKey:      cfg.KiteAPIKey,
		accessToken: cfg.KiteAccessToken,
	}
}

// Subscribe registers tokens for LTP updates. Safe to call before or after
// the connection is up; tokens are replayed on every reconnect.
func (t *Ticker) Subscribe(tokens ...uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.tokens = append(t.tokens, tokens...)
	if t.conn == nil {
		return nil
	}
	return t.sendSubscribe(tokens)
}

func (t *Ticker) sendSubscribe(tokens []uint32) error {
	if len(tokens) == 0 {
		return nil
	}

	sub, _ := json.Marshal(map[string]interface{}{"a": "subscribe", "v": tokens})
	if err := t.conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}

	mode, _ := json.Marshal(map[string]interface{}{"a": "mode", "v": []interface{}{"ltp", tokens}})
	return t.conn.WriteMessage(websocket.TextMessage, mode)
}

func (t *Ticker) dial(ctx context.Context) error {
	u, err := url.Parse(t.wsURL)
	if err != nil {
		return err
	}
	q := u.Query()
	q.Set("api_key", t.apiKey)
	q.Set("access_token", t.accessToken)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return err
	}

	// The replay must happen under the lock: Subscribe writes to the
	// connection from other goroutines and the websocket allows only one
	// concurrent writer.
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn = conn
	return t.sendSubscribe(t.tokens)
}

// Run connects and consumes the feed until ctx is cancelled, reconnecting
// with a flat backoff on read failures.
func (t *Ticker) Run(ctx context.Context) error {
	const reconnectDelay = 5 * time.Second

	for {
		if err := t.dial(ctx); err != nil {
			logger.WithError(err).Warn("Ticker connect failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(reconnectDelay):
				continue
			}
		}

		logger.WithField("url", t.wsURL).Info("Ticker connected")
		err := t.readLoop(ctx)
		t.closeConn()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.WithError(err).Warn("Ticker disconnected, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (t *Ticker) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		ticks, err := parseBinaryTicks(data)
		if err != nil {
			logger.WithError(err).Warn("Dropping malformed tick frame")
			continue
		}

		if t.OnTick != nil {
			for _, tick := range ticks {
				t.OnTick(tick)
			}
		}
	}
}

// parseBinaryTicks decodes an LTP-mode frame: int16 packet count, then per
// packet an int16 length followed by the packet bytes. An LTP packet is 8
// bytes, token then price in paise, both big-endian. Frames shorter than 2
// bytes are heartbeats.
func parseBinaryTicks(data []byte) ([]Tick, error) {
	if len(data) < 2 {
		return nil, nil
	}

	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2

	ticks := make([]Tick, 0, count)
	for i := 0; i < count; i++ {
		if offset+2 > len(data) {
			return nil, fmt.Errorf("truncated frame at packet %d", i)
		}
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2

		if offset+length > len(data) {
			return nil, fmt.Errorf("packet %d overruns frame", i)
		}
		packet := data[offset : offset+length]
		offset += length

		if length < 8 {
			continue
		}
		ticks = append(ticks, Tick{
			Token:     binary.BigEndian.Uint32(packet[0:4]),
			LastPrice: float64(int32(binary.BigEndian.Uint32(packet[4:8]))) / 100.0,
		})
	}
	return ticks, nil
}

func (t *Ticker) closeConn() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}

// Close tears the connection down; Run will return on its next read.
func (t *Ticker) Close() {
	t.closeConn()
}
