package exchange

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensqt/spotagent/internal/logging"
)

func testClient(t *testing.T, srv *httptest.Server) *RESTClient {
	t.Helper()
	c := NewRESTClient(Config{
		BaseURL:      srv.URL,
		MaxRetries:   2,
		WriteBackoff: time.Millisecond,
		PublicRPS:    1000,
		AuthRPS:      1000,
	}, logging.Nop{})
	t.Cleanup(srv.Close)
	return c
}

// TestPlaceLimitOrderIdempotentRetryAfterTransportFailure is spec.md §8
// property 7 / scenario S6: the first placement attempt fails with a
// transport error after actually landing server-side; the client must
// resolve this via client-oid lookup rather than submit a duplicate.
func TestPlaceLimitOrderIdempotentRetryAfterTransportFailure(t *testing.T) {
	var placeAttempts int32
	var lookups int32
	landedOrderID := "order-123"

	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		n := atomic.AddInt32(&placeAttempts, 1)
		if n == 1 {
			// Connection drops after the exchange actually placed the
			// order; the caller sees a transport failure either way.
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		t.Fatalf("client must not submit a second placement once the first is resolved via client-oid lookup")
	})
	mux.HandleFunc("/orders/client:client-oid-1", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&lookups, 1)
		_ = json.NewEncoder(w).Encode(orderDTO{
			ID:        landedOrderID,
			ClientOID: "client-oid-1",
			Status:    "open",
		})
	})
	srv := httptest.NewServer(mux)
	c := testClient(t, srv)

	order, err := c.PlaceLimitOrder(t.Context(), PlaceLimitOrderRequest{
		Market: "ETH-USD", Side: Buy, ClientOID: "client-oid-1",
	})
	if err != nil {
		t.Fatalf("PlaceLimitOrder returned an error despite the order having landed: %v", err)
	}
	if order.ID != landedOrderID {
		t.Fatalf("order id = %q, want %q (the order the first attempt actually created)", order.ID, landedOrderID)
	}
	if atomic.LoadInt32(&placeAttempts) != 1 {
		t.Fatalf("expected exactly one placement attempt, got %d", placeAttempts)
	}
	if atomic.LoadInt32(&lookups) != 1 {
		t.Fatalf("expected exactly one client-oid lookup, got %d", lookups)
	}
}

// TestPlaceLimitOrderRejectionIsNotRetried ensures a well-known rejection
// message short-circuits the retry loop (spec.md §7: rejections surface
// to the caller rather than retrying blindly).
func TestPlaceLimitOrderRejectionIsNotRetried(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "Post only mode would cross the book"})
	})
	srv := httptest.NewServer(mux)
	c := testClient(t, srv)

	_, err := c.PlaceLimitOrder(t.Context(), PlaceLimitOrderRequest{Market: "ETH-USD", Side: Buy, PostOnly: true})
	if err == nil {
		t.Fatal("expected a rejection error")
	}
	rej, ok := err.(*RejectionError)
	if !ok {
		t.Fatalf("error = %T, want *RejectionError", err)
	}
	if rej.Reason != "post_only" {
		t.Fatalf("reason = %q, want post_only", rej.Reason)
	}
	if attempts != 1 {
		t.Fatalf("a well-known rejection must not be retried, got %d attempts", attempts)
	}
}

// TestPlaceLimitOrderTransientFailureExhaustsRetries covers the case
// where the order never actually landed: both the write and every
// client-oid lookup fail, and the client must give up with ErrTransport
// after MaxRetries rather than loop forever.
func TestPlaceLimitOrderTransientFailureExhaustsRetries(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/orders", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/orders/client:never-landed", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	c := testClient(t, srv)

	_, err := c.PlaceLimitOrder(t.Context(), PlaceLimitOrderRequest{Market: "ETH-USD", Side: Buy, ClientOID: "never-landed"})
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
	if !isErr(err, ErrTransport) {
		t.Fatalf("error = %v, want one wrapping ErrTransport", err)
	}
}

func TestGetServerTimeRetriesOnTransientFailureThenSucceeds(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/time", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"iso": "2026-01-01T00:00:00Z"})
	})
	srv := httptest.NewServer(mux)
	c := NewRESTClient(Config{BaseURL: srv.URL, ReadBackoff: time.Millisecond, PublicRPS: 1000, AuthRPS: 1000}, logging.Nop{})
	t.Cleanup(srv.Close)

	got, err := c.GetServerTime(t.Context())
	if err != nil {
		t.Fatalf("GetServerTime: %v", err)
	}
	want, _ := time.Parse(time.RFC3339, "2026-01-01T00:00:00Z")
	if !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	if attempts != 2 {
		t.Fatalf("expected one retry (2 attempts), got %d", attempts)
	}
}
