// Package ratelimit admits or rejects new websocket sessions by client IP.
package ratelimit

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/huddlelabs/huddle/internal/v1/config"
	"github.com/huddlelabs/huddle/internal/v1/logging"
	"github.com/huddlelabs/huddle/internal/v1/metrics"
)

// Limiter enforces the per-IP admission rate at the websocket endpoint.
// A nil *Limiter admits everything, which is how development mode runs.
type Limiter struct {
	ws *limiter.Limiter
}

// New builds the admission limiter from the configured rate, for example
// "300-M" for three hundred connections per IP per minute. Development
// mode gets no limiter at all so local clients can churn reconnects
// freely.
func New(cfg *config.Config) (*Limiter, error) {
	if cfg.DevelopmentMode {
		return nil, nil
	}

	rate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket rate %q: %w", cfg.RateLimitWsIP, err)
	}

	return &Limiter{ws: limiter.New(memory.NewStore(), rate)}, nil
}

// Allow reports whether a new session from this client may proceed. Store
// failures admit the session: the limiter protects capacity, it is not an
// auth boundary, so it fails open.
func (l *Limiter) Allow(c *gin.Context) bool {
	if l == nil || l.ws == nil {
		return true
	}

	lctx, err := l.ws.Get(c.Request.Context(), c.ClientIP())
	if err != nil {
		logging.Error(c.Request.Context(), "Rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitedConnections.Inc()
		logging.Warn(c.Request.Context(), "Websocket admission rejected", zap.String("ip", c.ClientIP()))
		return false
	}
	return true
}
