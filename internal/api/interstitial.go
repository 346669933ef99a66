package api

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/steward/internal/interstitial"
	"github.com/songzhibin97/steward/pkg/metrics"
)

// BypassParam is the query parameter that lets one retry skip the gate.
const BypassParam = "steward_bypass"

const bypassTTL = time.Minute

// interstitialMiddleware redirects HTML-accepting requests for a gated
// service to the holding page until the service's readiness promise resolves
// with a healthy instance. The redirect carries a single-use bypass token so
// the holding page's retry goes straight through.
func (s *Server) interstitialMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if token := c.Query(BypassParam); token != "" && s.bypass.consume(token) {
			// The bypass skips the gate unconditionally, once. A spent or
			// unknown token goes through the gate like any other request.
			c.Next()
			return
		}
		if !acceptsHTML(c.GetHeader("Accept")) {
			c.Next()
			return
		}

		serviceID := c.Param("service")
		secs := s.interstitialSecs(c, serviceID)
		if secs <= 0 {
			c.Next()
			return
		}

		promise := s.cfg.Gate.Ensure(serviceID, time.Duration(secs)*time.Second)
		if reason, ok := promise.Resolved(); ok && reason == interstitial.ReasonHealthyInstanceFound {
			c.Next()
			return
		}

		// Unresolved, or resolved by timeout: keep showing the holding page.
		// Timeout resolution never grants a bypass on its own.
		token := s.bypass.issue()
		query := c.Request.URL.Query()
		query.Set(BypassParam, token) // replaces any spent token on the retry
		retry := c.Request.URL.Path + "?" + query.Encode()
		target := fmt.Sprintf("/waiting?service=%s&retry=%s",
			url.QueryEscape(serviceID), url.QueryEscape(retry))

		s.sink.Counter(metrics.ServiceCounter(serviceID, "interstitial-redirects")).Inc()
		s.logger.Debug("redirecting to holding page",
			zap.String("service_id", serviceID))
		c.Redirect(http.StatusSeeOther, target)
		c.Abort()
	}
}

// interstitialSecs resolves the service's interstitial window, 0 when the
// service has no description or the lookup fails.
func (s *Server) interstitialSecs(c *gin.Context, serviceID string) int {
	if s.cfg.Descriptions == nil {
		return 0
	}
	desc, err := s.cfg.Descriptions.Get(c.Request.Context(), serviceID)
	if err != nil || desc == nil {
		return 0
	}
	return desc.InterstitialSecs
}

func acceptsHTML(accept string) bool {
	return strings.Contains(accept, "text/html")
}

const waitingPage = `<!DOCTYPE html>
<html>
<head>
<title>Starting service</title>
<meta http-equiv="refresh" content="2%s">
</head>
<body>
<h1>Your service is starting</h1>
<p>The service <strong>%s</strong> is being prepared. This page refreshes
automatically; you will be forwarded as soon as an instance is ready.</p>
</body>
</html>
`

// handleWaitingPage serves the interstitial holding page.
func (s *Server) handleWaitingPage(c *gin.Context) {
	serviceID := c.Query("service")
	refresh := ""
	if retry := c.Query("retry"); retry != "" && strings.HasPrefix(retry, "/") {
		refresh = ";url=" + retry
	}
	c.Header("Cache-Control", "no-store")
	c.Data(http.StatusOK, "text/html; charset=utf-8",
		[]byte(fmt.Sprintf(waitingPage, refresh, serviceID)))
}

// bypassRegistry tracks issued single-use bypass tokens.
type bypassRegistry struct {
	mu     sync.Mutex
	tokens map[string]time.Time
}

func newBypassRegistry() *bypassRegistry {
	return &bypassRegistry{tokens: make(map[string]time.Time)}
}

func (b *bypassRegistry) issue() string {
	token := uuid.NewString()
	now := time.Now()
	b.mu.Lock()
	for t, issued := range b.tokens {
		if now.Sub(issued) > bypassTTL {
			delete(b.tokens, t)
		}
	}
	b.tokens[token] = now
	b.mu.Unlock()
	return token
}

func (b *bypassRegistry) consume(token string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	issued, ok := b.tokens[token]
	if !ok {
		return false
	}
	delete(b.tokens, token)
	return time.Since(issued) <= bypassTTL
}
