package worksteal

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/pkg/metrics"
	"github.com/songzhibin97/steward/pkg/store"
)

const (
	// DefaultOfferInterval is how often idle capacity is scanned for.
	DefaultOfferInterval = 100 * time.Millisecond

	demandPrefix = "demand/"
)

// CapacitySource exposes the slice of the dispatcher the coordinator needs:
// local queue depths and reservation of idle instances.
type CapacitySource interface {
	ServiceIDs() []string
	QueueLength(ctx context.Context, serviceID string) int
	Reserve(ctx context.Context, serviceID string) (types.ServiceInstance, string, error)
	OfferResolved(serviceID, cid string, accepted bool)
}

// OfferSender delivers an offer to one peer router.
type OfferSender interface {
	SendOffer(ctx context.Context, offer *Offer) error
}

// CoordinatorConfig configures the work-stealing coordinator.
type CoordinatorConfig struct {
	RouterID     string
	Interval     time.Duration // offer-help interval
	ReplyTimeout time.Duration
	DemandTTL    time.Duration // how long published demand stays visible

	Capacity CapacitySource
	Shared   store.AtomicStore
	Logger   *zap.Logger
	Sink     metrics.Sink
}

// Coordinator runs the offer-help loop: it publishes this router's queued
// demand to the shared store and, each interval, offers spare idle instances
// to peers whose published demand is unmet.
type Coordinator struct {
	cfg    CoordinatorConfig
	logger *zap.Logger
	sink   metrics.Sink

	mu    sync.RWMutex
	peers map[string]OfferSender
}

// NewCoordinator creates a coordinator; peers are added as cluster
// membership is learned.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultOfferInterval
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.DemandTTL <= 0 {
		cfg.DemandTTL = 10 * cfg.Interval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Sink == nil {
		cfg.Sink = metrics.Noop()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "worksteal"), zap.String("router_id", cfg.RouterID)),
		sink:   cfg.Sink,
		peers:  make(map[string]OfferSender),
	}
}

// AddPeer registers a peer router's offer channel.
func (c *Coordinator) AddPeer(routerID string, sender OfferSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers[routerID] = sender
}

// RemovePeer drops a peer router.
func (c *Coordinator) RemovePeer(routerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.peers, routerID)
}

func (c *Coordinator) peer(routerID string) (OfferSender, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.peers[routerID]
	return s, ok
}

// Run ticks until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx)
		}
	}
}

// tick publishes local demand and offers spare capacity against peer demand.
func (c *Coordinator) tick(ctx context.Context) {
	c.publishDemand(ctx)
	c.offerHelp(ctx)
}

func demandKey(routerID, serviceID string) string {
	return demandPrefix + routerID + "/" + serviceID
}

// publishDemand writes this router's per-service queue depth to the shared
// store. Keys carry a TTL so a dead router's demand evaporates on its own.
func (c *Coordinator) publishDemand(ctx context.Context) {
	for _, serviceID := range c.cfg.Capacity.ServiceIDs() {
		key := demandKey(c.cfg.RouterID, serviceID)
		ql := c.cfg.Capacity.QueueLength(ctx, serviceID)
		if ql <= 0 {
			if err := c.cfg.Shared.Delete(ctx, key); err != nil {
				c.logger.Debug("failed to clear demand", zap.String("service_id", serviceID), zap.Error(err))
			}
			continue
		}
		if err := c.cfg.Shared.Set(ctx, key, []byte(strconv.Itoa(ql)), c.cfg.DemandTTL); err != nil {
			c.logger.Warn("failed to publish demand", zap.String("service_id", serviceID), zap.Error(err))
		}
	}
}

// offerHelp scans published demand and sends at most one offer per
// (peer, service) pair per tick.
func (c *Coordinator) offerHelp(ctx context.Context) {
	demands, err := c.cfg.Shared.List(ctx, demandPrefix)
	if err != nil {
		c.logger.Warn("failed to read cluster demand", zap.Error(err))
		return
	}
	for key, raw := range demands {
		routerID, serviceID, ok := parseDemandKey(key)
		if !ok || routerID == c.cfg.RouterID {
			continue
		}
		n, err := strconv.Atoi(string(raw))
		if err != nil || n <= 0 {
			continue
		}
		sender, ok := c.peer(routerID)
		if !ok {
			continue
		}
		c.offerTo(ctx, sender, routerID, serviceID)
	}
}

func (c *Coordinator) offerTo(ctx context.Context, sender OfferSender, peerID, serviceID string) {
	// Reserving takes the instance out of the local pool before anything is
	// sent, so it can never be assigned on both routers at once.
	inst, cid, err := c.cfg.Capacity.Reserve(ctx, serviceID)
	if err != nil {
		return
	}

	offer := NewOffer(c.cfg.RouterID, serviceID, inst)
	c.sink.Counter(metrics.ServiceCounter(serviceID, "offers-sent")).Inc()
	c.logger.Debug("offering instance to peer",
		zap.String("peer", peerID),
		zap.String("service_id", serviceID),
		zap.String("instance_id", inst.ID),
		zap.String("cid", offer.CID))

	if err := sender.SendOffer(ctx, offer); err != nil {
		c.logger.Warn("offer send failed", zap.String("peer", peerID), zap.Error(err))
		c.cfg.Capacity.OfferResolved(serviceID, cid, false)
		return
	}

	go func() {
		status := offer.Await(c.cfg.ReplyTimeout)
		accepted := status == StatusAccepted
		if accepted {
			c.sink.Counter(metrics.ServiceCounter(serviceID, "offers-accepted")).Inc()
			c.logger.Info("peer accepted offered instance",
				zap.String("peer", peerID),
				zap.String("service_id", serviceID),
				zap.String("instance_id", inst.ID))
		}
		c.cfg.Capacity.OfferResolved(serviceID, cid, accepted)
	}()
}

func parseDemandKey(key string) (routerID, serviceID string, ok bool) {
	rest := strings.TrimPrefix(key, demandPrefix)
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
