package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/consult/internal/auth"
	"github.com/MarkoPoloResearchLab/consult/internal/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	identityKey      = "consult_identity"
	visitorTTL       = 3 * time.Minute
	visitorSweepTick = time.Minute
)

// ipRateLimiter keeps one token bucket per client IP.
type ipRateLimiter struct {
	mutex    sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPRateLimiter(perSecond float64, burst int) *ipRateLimiter {
	return &ipRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

func (limiter *ipRateLimiter) allow(ip string) bool {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	now := limiter.now()
	current, ok := limiter.visitors[ip]
	if !ok {
		current = &visitor{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.visitors[ip] = current
	}
	current.lastSeen = now
	return current.limiter.AllowN(now, 1)
}

func (limiter *ipRateLimiter) sweep() {
	limiter.mutex.Lock()
	defer limiter.mutex.Unlock()
	cutoff := limiter.now().Add(-visitorTTL)
	for ip, current := range limiter.visitors {
		if current.lastSeen.Before(cutoff) {
			delete(limiter.visitors, ip)
		}
	}
}

func (limiter *ipRateLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		if !limiter.allow(ctx.ClientIP()) {
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		path := ctx.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequest(ctx.Request.Method, path, strconv.Itoa(ctx.Writer.Status()), time.Since(started).Seconds())
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		started := time.Now()
		ctx.Next()
		status := ctx.Writer.Status()
		if status < http.StatusInternalServerError {
			return
		}
		logger.Warn("http request failed",
			zap.String("method", ctx.Request.Method),
			zap.String("path", ctx.FullPath()),
			zap.Int("status", status),
			zap.Duration("elapsed", time.Since(started)))
	}
}

// requireIdentity authenticates the caller and opens their wallet account on first sight.
func (server *Server) requireIdentity() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		identity, err := server.authenticator.FromRequest(ctx.Request)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing or invalid session"))
			return
		}
		if _, known := server.openedAccounts.Load(identity.AccountID); !known {
			if _, err := server.wallet.OpenAccount(ctx.Request.Context(), identity.AccountID, identity.Role); err != nil {
				server.logger.Warn("account open failed", zap.String("account_id", identity.AccountID.String()), zap.Error(err))
				ctx.AbortWithStatusJSON(http.StatusForbidden, errorResponse("account_unavailable", err.Error()))
				return
			}
			server.openedAccounts.Store(identity.AccountID, struct{}{})
		}
		ctx.Set(identityKey, identity)
		ctx.Next()
	}
}

func getIdentity(ctx *gin.Context) (auth.Identity, bool) {
	value, ok := ctx.Get(identityKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
