// Package tracker implements the Async Order Tracker: a background
// consumer of the exchange's per-user event stream that maintains an
// eventually-consistent mirror of order state, exposed to the Portfolio
// Manager through atomic snapshots.
package tracker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/opensqt/spotagent/internal/logging"
)

// OrderView is a single order mirror entry (spec.md §3).
type OrderView struct {
	ID            string
	Status        string // pending, open, done
	Size          decimal.Decimal
	Price         decimal.Decimal
	ExecutedValue decimal.Decimal
	FilledSize    decimal.Decimal
	FillFees      decimal.Decimal
	DoneReason    string
}

// Config carries connection parameters for the event stream.
type Config struct {
	URL             string
	APIKey          string
	APISecret       string
	Passphrase      string
	Products        []string
	IgnoreUntracked bool
	PingInterval    time.Duration
	PongWait        time.Duration
	DedupeWindow    time.Duration
}

// Tracker is the T2 (tracker thread) state. Its mirror and last-event
// timestamp are the only state shared across threads; both are guarded
// by mu, per spec.md §5.
type Tracker struct {
	cfg    Config
	logger logging.Logger

	mu            sync.Mutex
	mirror        map[string]OrderView
	watch         map[string]bool
	lastEventTime time.Time
	stopped       bool
	stopErr       error
	processed     map[string]time.Time // (order_id, status) dedupe window

	conn   *websocket.Conn
	connMu sync.Mutex
}

// New builds a Tracker. It does not connect until Run is called.
func New(cfg Config, logger logging.Logger) *Tracker {
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.PongWait == 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.DedupeWindow == 0 {
		cfg.DedupeWindow = 5 * time.Minute
	}
	return &Tracker{
		cfg:       cfg,
		logger:    logger.With("component", "tracker"),
		mirror:    make(map[string]OrderView),
		watch:     make(map[string]bool),
		processed: make(map[string]time.Time),
	}
}

// Remember adds id to the watchlist. The manager calls this immediately
// after a successful order placement.
func (t *Tracker) Remember(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.watch[id] = true
}

// Forget removes id from the watchlist and the mirror, called on
// terminal handling of an order.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.watch, id)
	delete(t.mirror, id)
}

// Snapshot returns a deep copy of the mirror and the last-event
// timestamp, atomically under the mutex.
func (t *Tracker) Snapshot() (time.Time, map[string]OrderView) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastEventTime, t.copyMirrorLocked()
}

// BarrierSnapshot is Snapshot plus ignore_untracked eviction and the
// tracker's failure check: it returns an error once the consumer has
// observed a fatal stream disconnect (spec.md §4.C "Failure model").
func (t *Tracker) BarrierSnapshot() (time.Time, map[string]OrderView, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopped {
		return t.lastEventTime, nil, fmt.Errorf("tracker stopped: %w", t.stopErr)
	}

	if t.cfg.IgnoreUntracked {
		for id := range t.mirror {
			if !t.watch[id] {
				delete(t.mirror, id)
			}
		}
	}

	return t.lastEventTime, t.copyMirrorLocked(), nil
}

func (t *Tracker) copyMirrorLocked() map[string]OrderView {
	out := make(map[string]OrderView, len(t.mirror))
	for id, v := range t.mirror {
		out[id] = v
	}
	return out
}

// Stop requests the consumer loop to exit and closes the connection, if
// any. It is idempotent.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		t.stopErr = fmt.Errorf("stopped by caller")
	}
	t.mu.Unlock()

	t.connMu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.connMu.Unlock()
}

// wireMessage is the event stream's message schema (spec.md §6).
type wireMessage struct {
	Type         string `json:"type"`
	Time         string `json:"time"`
	OrderID      string `json:"order_id"`
	MakerOrderID string `json:"maker_order_id"`
	TakerOrderID string `json:"taker_order_id"`
	Size         string `json:"size"`
	NewSize      string `json:"new_size"`
	Price        string `json:"price"`
	Reason       string `json:"reason"`
	MakerFeeRate string `json:"maker_fee_rate"`
	TakerFeeRate string `json:"taker_fee_rate"`
}

// Event is wireMessage with its decimal/time fields already parsed,
// exported so a caller outside this package can drive the mirror's
// transition table directly — a backtest/replay harness, or a test
// exercising the portfolio manager against synthetic fills without a
// live websocket connection (spec.md §9's "channel-based design... an
// equivalent refactor" note).
type Event struct {
	Type         string
	Time         time.Time
	OrderID      string
	MakerOrderID string
	TakerOrderID string
	Size         decimal.Decimal
	NewSize      decimal.Decimal
	Price        decimal.Decimal
	Reason       string
	MakerFeeRate decimal.Decimal
	TakerFeeRate decimal.Decimal
}

// Ingest applies one synthetic event to the mirror under the tracker's
// mutex, via the same transition table the websocket consumer in Run
// uses.
func (t *Tracker) Ingest(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyParsedLocked(e)
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Run dials the event stream, subscribes to the configured products,
// and consumes messages until the connection drops or ctx is canceled.
// It is meant to run as the T2 goroutine; a returned error marks the
// tracker fatally stopped — cmd/agent then builds a fresh Tracker and
// Manager pair, whose startup reconciliation cancels every outstanding
// order.
func (t *Tracker) Run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.markStopped(err)
		return err
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
	defer func() {
		t.connMu.Lock()
		if t.conn != nil {
			t.conn.Close()
		}
		t.connMu.Unlock()
	}()

	conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(t.cfg.PongWait))
		return nil
	})

	if err := t.subscribe(conn); err != nil {
		t.markStopped(err)
		return err
	}

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go t.heartbeat(heartbeatCtx, conn)

	for {
		select {
		case <-ctx.Done():
			t.markStopped(ctx.Err())
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.markStopped(err)
			return err
		}

		var msg wireMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.logger.Warn("malformed tracker message", "error", err)
			continue
		}
		t.apply(msg)
	}
}

func (t *Tracker) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				t.connMu.Lock()
				if t.conn != nil {
					t.conn.Close()
				}
				t.connMu.Unlock()
				return
			}
		}
	}
}

func (t *Tracker) markStopped(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.stopped {
		t.stopped = true
		t.stopErr = err
	}
}

type subscribeMessage struct {
	Type       string   `json:"type"`
	Channels   []string `json:"channels"`
	ProductIDs []string `json:"product_ids"`
	Key        string   `json:"key"`
	Passphrase string   `json:"passphrase"`
	Timestamp  string   `json:"timestamp"`
	Signature  string   `json:"signature"`
}

func (t *Tracker) subscribe(conn *websocket.Conn) error {
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	mac := hmac.New(sha256.New, []byte(t.cfg.APISecret))
	mac.Write([]byte(ts + "GET" + "/users/self/verify"))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	msg := subscribeMessage{
		Type:       "subscribe",
		Channels:   []string{"user", "heartbeat"},
		ProductIDs: t.cfg.Products,
		Key:        t.cfg.APIKey,
		Passphrase: t.cfg.Passphrase,
		Timestamp:  ts,
		Signature:  sig,
	}
	return conn.WriteJSON(msg)
}

// apply handles one raw wire message under the mirror mutex: it parses
// the string-encoded decimal/time fields and delegates to
// applyParsedLocked for the actual transition table (spec.md §4.C).
func (t *Tracker) apply(msg wireMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applyParsedLocked(Event{
		Type:         msg.Type,
		Time:         t.parseEventTime(msg.Time),
		OrderID:      msg.OrderID,
		MakerOrderID: msg.MakerOrderID,
		TakerOrderID: msg.TakerOrderID,
		Size:         parseDecimal(msg.Size),
		NewSize:      parseDecimal(msg.NewSize),
		Price:        parseDecimal(msg.Price),
		Reason:       msg.Reason,
		MakerFeeRate: parseDecimal(msg.MakerFeeRate),
		TakerFeeRate: parseDecimal(msg.TakerFeeRate),
	})
}

// applyParsedLocked implements the transition table in spec.md §4.C. The
// caller must hold t.mu.
func (t *Tracker) applyParsedLocked(e Event) {
	if e.Type == "heartbeat" || e.Type == "subscriptions" {
		return
	}

	if e.Time.After(t.lastEventTime) {
		t.lastEventTime = e.Time
	}

	switch e.Type {
	case "received":
		id := e.OrderID
		if id == "" {
			return
		}
		t.mirror[id] = OrderView{
			ID:     id,
			Status: "pending",
			Size:   e.Size,
			Price:  e.Price,
		}

	case "open":
		id := e.OrderID
		v, ok := t.mirror[id]
		if !ok {
			return
		}
		v.Status = "open"
		t.mirror[id] = v

	case "match":
		id := e.MakerOrderID
		feeRate := e.MakerFeeRate
		if _, ok := t.mirror[id]; !ok {
			id = e.TakerOrderID
			feeRate = e.TakerFeeRate
		}
		v, ok := t.mirror[id]
		if !ok {
			return
		}
		if !t.dedupe(id, "match-"+e.Time.String()) {
			return
		}
		v.ExecutedValue = v.ExecutedValue.Add(e.Size.Mul(e.Price))
		v.FilledSize = v.FilledSize.Add(e.Size)
		v.FillFees = v.FillFees.Add(e.Size.Mul(e.Price).Mul(feeRate))
		t.mirror[id] = v

	case "change":
		id := e.OrderID
		v, ok := t.mirror[id]
		if !ok {
			return
		}
		v.Size = e.NewSize
		t.mirror[id] = v

	case "done":
		id := e.OrderID
		v, ok := t.mirror[id]
		if !ok {
			return
		}
		if !t.dedupe(id, "done") {
			return
		}
		v.Status = "done"
		v.DoneReason = e.Reason
		t.mirror[id] = v
	}
}

// dedupe suppresses a redelivered event for the same (order_id, key)
// within the configured window, grounded on the teacher's
// processedUpdates idempotency map.
func (t *Tracker) dedupe(id, key string) bool {
	full := id + "|" + key
	now := time.Now()
	if last, ok := t.processed[full]; ok && now.Sub(last) < t.cfg.DedupeWindow {
		return false
	}
	t.processed[full] = now
	return true
}

func (t *Tracker) parseEventTime(raw string) time.Time {
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Now()
	}
	return ts
}
