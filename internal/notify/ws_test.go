package notify

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

func TestHubBroadcastsCycleSummary(t *testing.T) {
	hub := NewHub(zap.NewNop())
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// The subscription registers asynchronously with Accept.
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	want := CycleSummary{
		CycleAt:       time.Now().UTC().Truncate(time.Millisecond),
		RiskLevel:     "normal",
		OpenPositions: 2,
		UnrealizedEUR: -3.5,
	}
	hub.Broadcast(want)

	kind, frame, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.MessageBinary {
		t.Fatalf("expected binary frame, got %v", kind)
	}
	var got CycleSummary
	if err := msgpack.Unmarshal(frame, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.RiskLevel != "normal" || got.OpenPositions != 2 || got.UnrealizedEUR != -3.5 {
		t.Fatalf("summary mismatch: %+v", got)
	}
}

func TestHubDropsSlowSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Never reading from the socket: large frames fill the transport, the
	// per-subscriber queue overflows and the hub must cut the connection
	// rather than block.
	padding := strings.Repeat("x", 1<<16)
	for i := 0; i < 200; i++ {
		hub.Broadcast(CycleSummary{OpenPositions: i, AdmittedSymbol: padding})
	}
	deadline = time.Now().Add(2 * time.Second)
	for hub.Subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("slow subscriber was not dropped")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
