package kite

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/sodme/engine/internal/domain"
)

// Reconnection tuning, grounded on the teacher's
// clients/tradernet/websocket_client.go backoff constants.
const (
	tickerBaseReconnectDelay = 2 * time.Second
	tickerMaxReconnectDelay  = time.Minute
	tickerDialTimeout        = 15 * time.Second
)

// TickSink receives each decoded tick as it streams in; satisfied by
// *marketdata.Adapter's IngestTick/IngestDepth methods.
type TickSink interface {
	IngestTick(domain.InstrumentAnalytics)
	IngestDepth(domain.DepthSnapshot)
}

// Ticker is a reconnecting WebSocket client for Kite's binary streaming
// quote feed (spec §4.1/§4.4's live depth/LTP source), grounded in the
// teacher's MarketStatusWebSocket reconnect-with-backoff idiom and
// generalized from its JSON text frames to Kite's binary tick packets.
type Ticker struct {
	url    string
	apiKey string
	token  string // access token
	sink   TickSink
	log    zerolog.Logger

	mu       sync.Mutex
	tokens   []int64
	stopped  bool
	stopChan chan struct{}
}

// NewTicker builds a Ticker against wsURL (Config.BrokerTickerURL).
func NewTicker(wsURL, apiKey, accessToken string, sink TickSink, log zerolog.Logger) *Ticker {
	return &Ticker{
		url:      wsURL,
		apiKey:   apiKey,
		token:    accessToken,
		sink:     sink,
		log:      log.With().Str("component", "kite_ticker").Logger(),
		stopChan: make(chan struct{}),
	}
}

// Subscribe adds instrument tokens to the watch list sent on the next
// (re)connection; an already-open connection is not sent the new tokens.
func (t *Ticker) Subscribe(tokens ...int64) {
	t.mu.Lock()
	t.tokens = append(t.tokens, tokens...)
	t.mu.Unlock()
}

// Run connects and streams until ctx is cancelled, reconnecting with
// exponential backoff on any read/dial failure.
func (t *Ticker) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-t.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := t.connectAndStream(ctx); err != nil {
			t.log.Warn().Err(err).Int("attempt", attempt).Msg("kite ticker disconnected")
		}

		delay := tickerBaseReconnectDelay * time.Duration(1<<uint(math.Min(float64(attempt), 6)))
		if delay > tickerMaxReconnectDelay {
			delay = tickerMaxReconnectDelay
		}
		attempt++

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (t *Ticker) connectAndStream(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, tickerDialTimeout)
	defer cancel()

	dsn := fmt.Sprintf("%s?api_key=%s&access_token=%s", t.url, t.apiKey, t.token)
	conn, _, err := websocket.Dial(dialCtx, dsn, nil)
	if err != nil {
		return fmt.Errorf("kite ticker: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	t.mu.Lock()
	tokens := append([]int64(nil), t.tokens...)
	t.mu.Unlock()
	if len(tokens) > 0 {
		if err := t.subscribeFrame(ctx, conn, tokens); err != nil {
			return err
		}
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("kite ticker: read: %w", err)
		}
		t.dispatch(data)
	}
}

func (t *Ticker) subscribeFrame(ctx context.Context, conn *websocket.Conn, tokens []int64) error {
	payload, err := json.Marshal(map[string]interface{}{"a": "subscribe", "v": tokens})
	if err != nil {
		return fmt.Errorf("kite ticker: encode subscribe frame: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// dispatch parses Kite's binary tick packet format: a 2-byte packet count,
// then per-packet a 2-byte length prefix followed by a fixed-format quote
// (instrument token, LTP, and — for the "full" mode packets this ticker
// requests — 5-level depth). Decoding is best-effort; a malformed packet is
// silently skipped rather than dropping the whole connection.
func (t *Ticker) dispatch(data []byte) {
	if len(data) < 2 {
		return
	}
	count := int(binary.BigEndian.Uint16(data[0:2]))
	offset := 2
	for i := 0; i < count && offset+2 <= len(data); i++ {
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+length > len(data) {
			break
		}
		packet := data[offset : offset+length]
		offset += length
		t.dispatchPacket(packet)
	}
}

func (t *Ticker) dispatchPacket(packet []byte) {
	if len(packet) < 8 {
		return
	}
	token := int64(binary.BigEndian.Uint32(packet[0:4]))
	ltp := float64(int32(binary.BigEndian.Uint32(packet[4:8]))) / 100

	if t.sink == nil {
		return
	}
	t.sink.IngestTick(domain.InstrumentAnalytics{
		Token:     token,
		LTP:       ltp,
		Timestamp: time.Now(),
	})

	if len(packet) < 164 {
		return
	}
	snap := domain.DepthSnapshot{
		Instrument: domain.Instrument{Token: token},
		Timestamp:  time.Now(),
	}
	depthOffset := 64
	for level := 0; level < 5 && depthOffset+12 <= len(packet); level++ {
		qty := int(int32(binary.BigEndian.Uint32(packet[depthOffset : depthOffset+4])))
		price := float64(int32(binary.BigEndian.Uint32(packet[depthOffset+4:depthOffset+8]))) / 100
		depthOffset += 12
		if qty == 0 && price == 0 {
			continue
		}
		snap.Bids = append(snap.Bids, domain.DepthLevel{Price: price, Quantity: qty})
	}
	for level := 0; level < 5 && depthOffset+12 <= len(packet); level++ {
		qty := int(int32(binary.BigEndian.Uint32(packet[depthOffset : depthOffset+4])))
		price := float64(int32(binary.BigEndian.Uint32(packet[depthOffset+4:depthOffset+8]))) / 100
		depthOffset += 12
		if qty == 0 && price == 0 {
			continue
		}
		snap.Asks = append(snap.Asks, domain.DepthLevel{Price: price, Quantity: qty})
	}
	t.sink.IngestDepth(snap)
}

// Stop closes the ticker's stop channel once; Run observes ctx cancellation
// directly so this is only needed by callers holding a Ticker without its
// own cancel func.
func (t *Ticker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopped = true
	close(t.stopChan)
}
