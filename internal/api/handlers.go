package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/types"
	"github.com/songzhibin97/steward/internal/worksteal"
	"github.com/songzhibin97/steward/pkg/metrics"
)

// handleDispatch assigns an instance of the service to the caller. The
// caller must release the instance when its request completes.
func (s *Server) handleDispatch(c *gin.Context) {
	serviceID := c.Param("service")
	priority := 0
	if p := c.Query("priority"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "priority must be an integer",
			})
			return
		}
		priority = n
	}

	wait := s.cfg.SelectTimeout
	if w := c.Query("wait_ms"); w != "" {
		n, err := strconv.Atoi(w)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "wait_ms must be a positive integer",
			})
			return
		}
		wait = time.Duration(n) * time.Millisecond
		if wait > maxSelectTimeout {
			wait = maxSelectTimeout
		}
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), wait)
	defer cancel()

	inst, err := s.cfg.Dispatcher.SelectInstance(ctx, serviceID, priority)
	if err != nil {
		s.sink.Counter(metrics.ServiceCounter(serviceID, "requests-rejected")).Inc()
		switch {
		case errors.Is(err, types.ErrServiceUnknown):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_service",
				"message": "service is not known to this router",
			})
		case errors.Is(err, types.ErrQueueFull):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "queue_full",
				"message": err.Error(),
			})
		case errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusGatewayTimeout, gin.H{
				"error":   "dispatch_timeout",
				"message": "no instance became available in time",
			})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "no_instance_available",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"service_id": serviceID,
		"instance":   inst,
	})
}

type releaseRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	Failed     bool   `json:"failed"`
}

// handleRelease returns a previously dispatched slot. A failed release also
// blacklists the instance with backoff.
func (s *Server) handleRelease(c *gin.Context) {
	serviceID := c.Param("service")
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	s.cfg.Dispatcher.Release(serviceID, req.InstanceID, req.Failed)
	c.JSON(http.StatusAccepted, gin.H{
		"service_id":  serviceID,
		"instance_id": req.InstanceID,
	})
}

type blacklistRequest struct {
	InstanceID string `json:"instance_id" binding:"required"`
	PeriodMS   int    `json:"period_ms"` // 0 means exponential backoff
	Reason     string `json:"reason"`
}

// handleBlacklist excludes one instance from routing.
func (s *Server) handleBlacklist(c *gin.Context) {
	serviceID := c.Param("service")
	var req blacklistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}
	if req.PeriodMS < 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "period_ms cannot be negative",
		})
		return
	}

	period := time.Duration(req.PeriodMS) * time.Millisecond
	err := s.cfg.Dispatcher.Blacklist(c.Request.Context(), serviceID, req.InstanceID, period, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrServiceUnknown):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_service",
				"message": "service is not known to this router",
			})
		case errors.Is(err, types.ErrNoSuchInstance):
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_instance",
				"message": "instance is not known to this router",
			})
		case errors.Is(err, types.ErrInstanceInUse):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "instance_in_use",
				"message": "instance has requests in flight",
			})
		default:
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "blacklist_failed",
				"message": err.Error(),
			})
		}
		return
	}

	s.logger.Info("instance blacklisted via api",
		zap.String("service_id", serviceID),
		zap.String("instance_id", req.InstanceID),
		zap.String("reason", req.Reason))
	c.JSON(http.StatusOK, gin.H{
		"service_id":  serviceID,
		"instance_id": req.InstanceID,
	})
}

type offerRequest struct {
	CID       string                `json:"cid" binding:"required"`
	RequestID string                `json:"request_id"`
	RouterID  string                `json:"router_id" binding:"required"`
	Instance  types.ServiceInstance `json:"instance"`
}

// handleOffer receives a peer router's work-stealing offer over HTTP. The
// websocket transport is the usual path; this endpoint serves one-shot
// tooling and tests.
func (s *Server) handleOffer(c *gin.Context) {
	serviceID := c.Param("service")
	var req offerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	offer := &worksteal.Offer{
		CID:       req.CID,
		RequestID: req.RequestID,
		RouterID:  req.RouterID,
		ServiceID: serviceID,
		Instance:  req.Instance,
	}
	offer.Restore()
	if err := offer.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_offer",
			"message": err.Error(),
		})
		return
	}

	if err := s.cfg.Dispatcher.Offer(c.Request.Context(), offer); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "offer_failed",
			"message": err.Error(),
		})
		return
	}

	status := offer.Await(worksteal.DefaultReplyTimeout)
	c.JSON(http.StatusOK, gin.H{
		"cid":    offer.CID,
		"status": status,
	})
}

// handleServiceState returns one responder's slot snapshot.
func (s *Server) handleServiceState(c *gin.Context) {
	serviceID := c.Param("service")
	state, err := s.cfg.Dispatcher.QueryState(c.Request.Context(), serviceID)
	if err != nil {
		if errors.Is(err, types.ErrServiceUnknown) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "unknown_service",
				"message": "service is not known to this router",
			})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "query_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, state)
}

// handleAllState merges every live responder's snapshot.
func (s *Server) handleAllState(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	c.JSON(http.StatusOK, gin.H{
		"router_id": s.cfg.RouterID,
		"services":  s.cfg.Dispatcher.QueryAllState(ctx),
	})
}

// handleInterstitialState reports each gated service's promise state.
func (s *Server) handleInterstitialState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"router_id": s.cfg.RouterID,
		"promises":  s.cfg.Gate.Snapshot(),
	})
}
