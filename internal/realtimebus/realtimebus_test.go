package realtimebus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"polyarb/internal/wsclient"
	"polyarb/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingServer upgrades a single connection, records every frame it
// receives as a decoded types.WSSubscribeMsg/WSUpdateMsg (best-effort),
// and lets the test push frames to the client via the send channel.
type recordingServer struct {
	srv      *httptest.Server
	received chan []byte
	send     chan []byte
}

func newRecordingServer(t *testing.T) *recordingServer {
	t.Helper()
	rs := &recordingServer{
		received: make(chan []byte, 64),
		send:     make(chan []byte, 64),
	}
	upgrader := websocket.Upgrader{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		go func() {
			for msg := range rs.send {
				conn.WriteMessage(websocket.TextMessage, msg)
			}
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case rs.received <- msg:
			default:
			}
		}
	})
	rs.srv = httptest.NewServer(handler)
	return rs
}

func (rs *recordingServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.srv.URL, "http")
}

func (rs *recordingServer) close() {
	close(rs.send)
	rs.srv.Close()
}

func TestSubscribeMarketSendsInitialFrame(t *testing.T) {
	t.Parallel()
	rs := newRecordingServer(t)
	defer rs.close()

	bus := New(Config{MarketURL: rs.wsURL(), UserURL: "ws://127.0.0.1:1"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.SubscribeMarket(ctx, []string{"asset-1"}, Handlers{})

	select {
	case data := <-rs.received:
		var msg types.WSSubscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Type != "MARKET" {
			t.Errorf("type = %q, want MARKET", msg.Type)
		}
		if len(msg.AssetIDs) != 1 || msg.AssetIDs[0] != "asset-1" {
			t.Errorf("assetIDs = %v, want [asset-1]", msg.AssetIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for initial subscription frame")
	}
}

func TestSubscribeMarketDispatchesBookEvent(t *testing.T) {
	t.Parallel()
	rs := newRecordingServer(t)
	defer rs.close()

	bus := New(Config{MarketURL: rs.wsURL(), UserURL: "ws://127.0.0.1:1"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got *types.BookPayload
	done := make(chan struct{}, 1)

	bus.SubscribeMarket(ctx, []string{"asset-1"}, Handlers{
		OnOrderbook: func(p types.BookPayload) {
			mu.Lock()
			got = &p
			mu.Unlock()
			select {
			case done <- struct{}{}:
			default:
			}
		},
	})

	// wait for the server to observe the initial subscription, meaning the
	// client connection is fully up
	select {
	case <-rs.received:
	case <-time.After(time.Second):
		t.Fatal("client never subscribed")
	}

	rs.send <- []byte(`{"asset_id":"asset-1","market":"cond1","bids":[{"price":"0.5","size":"10"}],"asks":[],"hash":"h1"}`)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dispatched book event")
	}

	mu.Lock()
	defer mu.Unlock()
	if got == nil || got.AssetID != "asset-1" {
		t.Fatalf("got = %+v, want AssetID=asset-1", got)
	}
}

func TestSubscribeMarketSecondCallUsesDynamicFrame(t *testing.T) {
	t.Parallel()
	rs := newRecordingServer(t)
	defer rs.close()

	bus := New(Config{MarketURL: rs.wsURL(), UserURL: "ws://127.0.0.1:1"}, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.SubscribeMarket(ctx, []string{"asset-1"}, Handlers{})
	<-rs.received // initial frame

	waitConnected(t, bus)
	bus.SubscribeMarket(ctx, []string{"asset-2"}, Handlers{})

	select {
	case data := <-rs.received:
		var msg types.WSUpdateMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if msg.Operation != "subscribe" {
			t.Errorf("operation = %q, want subscribe", msg.Operation)
		}
		if len(msg.AssetIDs) != 1 || msg.AssetIDs[0] != "asset-2" {
			t.Errorf("assetIDs = %v, want [asset-2]", msg.AssetIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dynamic subscription frame")
	}
}

func waitConnected(t *testing.T, bus *Bus) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if bus.marketWS.State() == wsclient.Connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
