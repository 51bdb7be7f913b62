// Package notify pushes end-of-cycle summaries to websocket subscribers,
// for dashboards and local tooling. Delivery is best effort; a slow
// subscriber is dropped rather than allowed to stall the trading loop.
package notify

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// CycleSummary is the wire shape broadcast after every engine cycle.
type CycleSummary struct {
	CycleAt         time.Time `msgpack:"cycle_at"`
	DryRun          bool      `msgpack:"dry_run"`
	RiskLevel       string    `msgpack:"risk_level"`
	KillSwitch      bool      `msgpack:"kill_switch"`
	OpenPositions   int       `msgpack:"open_positions"`
	Opportunities   int       `msgpack:"opportunities"`
	AdmittedSymbol  string    `msgpack:"admitted_symbol,omitempty"`
	UnrealizedEUR   float64   `msgpack:"unrealized_eur"`
	RealizedEUR     float64   `msgpack:"realized_eur"`
	FundingEUR      float64   `msgpack:"funding_eur"`
	DrawdownEUR     float64   `msgpack:"drawdown_eur"`
	CycleDurationMS int64     `msgpack:"cycle_duration_ms"`
}

type subscriber struct {
	out chan []byte
}

// Hub fans one msgpack-encoded summary out to every connected client.
type Hub struct {
	log *zap.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:  log,
		subs: make(map[*subscriber]struct{}),
	}
}

// Broadcast encodes once and queues the frame on every subscriber. A full
// subscriber queue means the client is not keeping up; it gets cut.
func (h *Hub) Broadcast(summary CycleSummary) {
	frame, err := msgpack.Marshal(summary)
	if err != nil {
		h.log.Warn("failed to encode cycle summary", zap.Error(err))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.out <- frame:
		default:
			delete(h.subs, sub)
			close(sub.out)
		}
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	sub := &subscriber{out: make(chan []byte, 16)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	defer h.drop(sub)

	// Clients only listen; CloseRead surfaces disconnects.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case frame, ok := <-sub.out:
			if !ok {
				conn.Close(websocket.StatusPolicyViolation, "subscriber too slow")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageBinary, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(sub *subscriber) {
	h.mu.Lock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.out)
	}
	h.mu.Unlock()
}

// Subscribers reports the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
