package worksteal

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeHandler resolves inbound offers according to resolve, or returns err.
type fakeHandler struct {
	err     error
	resolve func(*Offer)
}

func (f *fakeHandler) Offer(_ context.Context, offer *Offer) error {
	if f.err != nil {
		return f.err
	}
	if f.resolve != nil {
		f.resolve(offer)
	}
	return nil
}

func startTransport(t *testing.T, handler OfferHandler, replyTimeout time.Duration) *Peer {
	t.Helper()
	srv := httptest.NewServer(NewServer(handler, replyTimeout, nil))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	peer := NewPeer("router-2", url, nil)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func TestTransport_OfferAcceptedRoundTrip(t *testing.T) {
	handler := &fakeHandler{resolve: func(o *Offer) { o.Accept() }}
	peer := startTransport(t, handler, time.Second)

	offer := NewOffer("router-1", "svc-1", testInstance("inst-1"))
	if err := peer.SendOffer(context.Background(), offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if s := offer.Await(2 * time.Second); s != StatusAccepted {
		t.Errorf("status = %s, want accepted", s)
	}
}

func TestTransport_OfferDeclinedWhenHandlerRejects(t *testing.T) {
	handler := &fakeHandler{err: errors.New("no demand")}
	peer := startTransport(t, handler, time.Second)

	offer := NewOffer("router-1", "svc-1", testInstance("inst-1"))
	if err := peer.SendOffer(context.Background(), offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if s := offer.Await(2 * time.Second); s != StatusDeclined {
		t.Errorf("status = %s, want declined", s)
	}
}

func TestTransport_MalformedOfferDeclined(t *testing.T) {
	handled := make(chan struct{}, 1)
	handler := &fakeHandler{resolve: func(o *Offer) { handled <- struct{}{}; o.Accept() }}
	peer := startTransport(t, handler, time.Second)

	// Missing service id: the server rejects it before the handler sees it.
	offer := NewOffer("router-1", "", testInstance("inst-1"))
	if err := peer.SendOffer(context.Background(), offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	if s := offer.Await(2 * time.Second); s != StatusDeclined {
		t.Errorf("status = %s, want declined", s)
	}
	select {
	case <-handled:
		t.Error("handler should not see a malformed offer")
	default:
	}
}

func TestTransport_UnresolvedOfferTimesOutServerSide(t *testing.T) {
	handler := &fakeHandler{} // accepts delivery, never resolves
	peer := startTransport(t, handler, 50*time.Millisecond)

	offer := NewOffer("router-1", "svc-1", testInstance("inst-1"))
	if err := peer.SendOffer(context.Background(), offer); err != nil {
		t.Fatalf("SendOffer: %v", err)
	}
	// The server replies with a timeout status, which the sender treats the
	// same as a decline.
	if s := offer.Await(2 * time.Second); s == StatusAccepted {
		t.Errorf("status = %s, want non-accepted", s)
	}
}

func TestTransport_SequentialOffersShareConnection(t *testing.T) {
	handler := &fakeHandler{resolve: func(o *Offer) { o.Accept() }}
	peer := startTransport(t, handler, time.Second)

	for i := 0; i < 3; i++ {
		offer := NewOffer("router-1", "svc-1", testInstance("inst-1"))
		if err := peer.SendOffer(context.Background(), offer); err != nil {
			t.Fatalf("SendOffer %d: %v", i, err)
		}
		if s := offer.Await(2 * time.Second); s != StatusAccepted {
			t.Fatalf("offer %d status = %s, want accepted", i, s)
		}
	}
}

func TestTransport_RedialedOffersSurviveOldConnectionDeath(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	dialer := websocket.Dialer{}
	conn1, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn2, _, err := dialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn2.Close() })

	oldOffer := NewOffer("router-1", "svc-1", testInstance("inst-1"))
	newOffer := NewOffer("router-1", "svc-1", testInstance("inst-2"))

	peer := NewPeer("router-2", url, nil)
	peer.mu.Lock()
	peer.conn = conn2
	peer.pending[oldOffer.CID] = pendingOffer{offer: oldOffer, conn: conn1}
	peer.pending[newOffer.CID] = pendingOffer{offer: newOffer, conn: conn2}
	peer.mu.Unlock()

	// The server already closed conn1, so the reader fails immediately and
	// runs its cleanup.
	peer.readLoop(conn1)

	peer.mu.Lock()
	defer peer.mu.Unlock()
	if _, ok := peer.pending[oldOffer.CID]; ok {
		t.Error("dead connection's offer was not discarded")
	}
	if _, ok := peer.pending[newOffer.CID]; !ok {
		t.Error("offer on the redialed connection was discarded")
	}
	if peer.conn != conn2 {
		t.Error("live connection was dropped")
	}
}

func TestTransport_DialFailure(t *testing.T) {
	peer := NewPeer("router-2", "ws://127.0.0.1:1/ws", nil)
	offer := NewOffer("router-1", "svc-1", testInstance("inst-1"))
	if err := peer.SendOffer(context.Background(), offer); err == nil {
		t.Error("SendOffer to unreachable peer should fail")
	}
}
