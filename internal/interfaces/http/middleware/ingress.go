package middleware

import (
	"net"
	"sync"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/modelgate/modelgate/internal/application"
	"github.com/modelgate/modelgate/internal/domain/lang"
	gwerrors "github.com/modelgate/modelgate/pkg/errors"
)

// IngressFilter gates every route by client IP. An empty allow-list admits
// everyone; entries are exact IPs or CIDR blocks. The rule set is swappable
// at runtime for config hot-reload.
type IngressFilter struct {
	mu     sync.RWMutex
	ips    map[string]struct{}
	nets   []*net.IPNet
	logger *zap.Logger
}

// NewIngressFilter builds a filter from allow-list entries. Invalid entries
// were rejected at config validation; any that slip through are skipped.
func NewIngressFilter(allowList []string, logger *zap.Logger) *IngressFilter {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &IngressFilter{logger: logger.With(zap.String("component", "ingress-filter"))}
	f.SetAllowList(allowList)
	return f
}

// SetAllowList atomically replaces the rule set.
func (f *IngressFilter) SetAllowList(allowList []string) {
	ips := make(map[string]struct{})
	var nets []*net.IPNet
	for _, entry := range allowList {
		if _, ipnet, err := net.ParseCIDR(entry); err == nil {
			nets = append(nets, ipnet)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			ips[ip.String()] = struct{}{}
			continue
		}
		f.logger.Warn("Ignoring invalid allow-list entry", zap.String("entry", entry))
	}
	f.mu.Lock()
	f.ips = ips
	f.nets = nets
	f.mu.Unlock()
	f.logger.Info("Allow-list applied",
		zap.Int("ips", len(ips)),
		zap.Int("cidrs", len(nets)),
	)
}

// Allowed reports whether the client IP passes the current rule set.
func (f *IngressFilter) Allowed(clientIP string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.ips) == 0 && len(f.nets) == 0 {
		return true
	}
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	if _, ok := f.ips[ip.String()]; ok {
		return true
	}
	for _, n := range f.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Handler is the gin middleware. Denied clients get the access_denied
// envelope; the language is English because no request text has been read
// at this point.
func (f *IngressFilter) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if f.Allowed(ip) {
			c.Next()
			return
		}
		f.logger.Warn("Request denied by allow-list",
			zap.String("ip", ip),
			zap.String("path", c.Request.URL.Path),
		)
		c.AbortWithStatusJSON(
			gwerrors.HTTPStatus(gwerrors.KindAccessDenied),
			application.NewErrorBody(gwerrors.KindAccessDenied, lang.TagEN, ""),
		)
	}
}
