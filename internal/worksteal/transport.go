package worksteal

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/types"
)

// frame is the JSON envelope exchanged between routers on the work-stealing
// websocket channel.
type frame struct {
	Type      string                 `json:"type"` // "offer" or "reply"
	CID       string                 `json:"cid"`
	RequestID string                 `json:"request_id,omitempty"`
	RouterID  string                 `json:"router_id,omitempty"`
	ServiceID string                 `json:"service_id,omitempty"`
	Instance  *types.ServiceInstance `json:"instance,omitempty"`
	Status    Status                 `json:"status,omitempty"`
}

const (
	frameTypeOffer = "offer"
	frameTypeReply = "reply"
)

// OfferHandler is the receiving side of an offer; the dispatcher implements
// it by routing the offer to the service's responder.
type OfferHandler interface {
	Offer(ctx context.Context, offer *Offer) error
}

// Server accepts peer routers' work-stealing connections. Each inbound offer
// is handed to the handler and its resolution written back as a reply frame;
// the reader never blocks on a reply.
type Server struct {
	handler      OfferHandler
	replyTimeout time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// NewServer creates a work-stealing server around handler.
func NewServer(handler OfferHandler, replyTimeout time.Duration, logger *zap.Logger) *Server {
	if replyTimeout <= 0 {
		replyTimeout = DefaultReplyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		handler:      handler,
		replyTimeout: replyTimeout,
		logger:       logger.With(zap.String("component", "worksteal-server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves offer frames until the peer
// disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("peer connection lost", zap.Error(err))
			}
			return
		}
		s.handleFrame(r.Context(), conn, &writeMu, f)
	}
}

func (s *Server) handleFrame(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, f frame) {
	if f.Type != frameTypeOffer {
		s.logger.Warn("unknown frame type dropped", zap.String("type", f.Type))
		return
	}

	offer := &Offer{
		CID:       f.CID,
		RequestID: f.RequestID,
		RouterID:  f.RouterID,
		ServiceID: f.ServiceID,
	}
	if f.Instance != nil {
		offer.Instance = *f.Instance
	}
	offer.Restore()

	if err := offer.Validate(); err != nil {
		// Protocol violation: reject immediately, touch no state.
		s.logger.Warn("malformed offer rejected",
			zap.String("cid", f.CID), zap.String("router_id", f.RouterID))
		s.writeReply(conn, writeMu, f.CID, StatusDeclined)
		return
	}
	if err := s.handler.Offer(ctx, offer); err != nil {
		s.logger.Warn("offer not deliverable",
			zap.String("cid", offer.CID), zap.String("service_id", offer.ServiceID), zap.Error(err))
		s.writeReply(conn, writeMu, offer.CID, StatusDeclined)
		return
	}

	go func() {
		status := offer.Await(s.replyTimeout)
		s.writeReply(conn, writeMu, offer.CID, status)
	}()
}

func (s *Server) writeReply(conn *websocket.Conn, writeMu *sync.Mutex, cid string, status Status) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if err := conn.WriteJSON(frame{Type: frameTypeReply, CID: cid, Status: status}); err != nil {
		s.logger.Warn("failed to write offer reply", zap.String("cid", cid), zap.Error(err))
	}
}

// Peer is one outbound work-stealing connection to a cluster member.
// Connections are dialed lazily and redialed after errors.
type Peer struct {
	RouterID string
	URL      string

	logger *zap.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]pendingOffer
}

// pendingOffer remembers which connection carried an offer, so a dying
// connection's cleanup cannot discard offers sent on its replacement.
type pendingOffer struct {
	offer *Offer
	conn  *websocket.Conn
}

// NewPeer creates a peer handle; no connection is made until the first send.
func NewPeer(routerID, url string, logger *zap.Logger) *Peer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Peer{
		RouterID: routerID,
		URL:      url,
		logger:   logger.With(zap.String("component", "worksteal-peer"), zap.String("peer", routerID)),
		pending:  make(map[string]pendingOffer),
	}
}

// SendOffer writes the offer to the peer. The offer resolves when the reply
// frame arrives, or times out via Await.
func (p *Peer) SendOffer(ctx context.Context, offer *Offer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.dial(ctx); err != nil {
			return err
		}
	}
	p.pending[offer.CID] = pendingOffer{offer: offer, conn: p.conn}

	f := frame{
		Type:      frameTypeOffer,
		CID:       offer.CID,
		RequestID: offer.RequestID,
		RouterID:  offer.RouterID,
		ServiceID: offer.ServiceID,
		Instance:  &offer.Instance,
	}
	if err := p.conn.WriteJSON(f); err != nil {
		delete(p.pending, offer.CID)
		p.conn.Close()
		p.conn = nil
		return fmt.Errorf("failed to send offer to %s: %w", p.RouterID, err)
	}
	return nil
}

// dial connects and starts the reply reader. Caller holds the lock.
func (p *Peer) dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.DialContext(ctx, p.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial peer %s: %w", p.RouterID, err)
	}
	p.conn = conn
	go p.readLoop(conn)
	return nil
}

func (p *Peer) readLoop(conn *websocket.Conn) {
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			p.mu.Lock()
			if p.conn == conn {
				p.conn = nil
			}
			// Only this connection's offers are orphaned; they resolve via
			// their Await timeout. Offers on a redialed connection stand.
			for cid, pe := range p.pending {
				if pe.conn == conn {
					delete(p.pending, cid)
				}
			}
			p.mu.Unlock()
			conn.Close()
			return
		}
		if f.Type != frameTypeReply {
			continue
		}
		p.mu.Lock()
		pe, ok := p.pending[f.CID]
		delete(p.pending, f.CID)
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("reply for unknown offer", zap.String("cid", f.CID))
			continue
		}
		if f.Status == StatusAccepted {
			pe.offer.Accept()
		} else {
			pe.offer.Decline()
		}
	}
}

// Close tears the connection down.
func (p *Peer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
