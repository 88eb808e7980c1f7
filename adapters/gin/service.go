// Package authgin mounts the verification gateway on gin.
package authgin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/open-rails/fedlink/adapters/ginutil"
	"github.com/open-rails/fedlink/authority"
	"github.com/open-rails/fedlink/core"
	"github.com/open-rails/fedlink/gateway"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Service wraps gateway.Service with HTTP mounting.
type Service struct {
	gw          *gateway.Service
	log         *logrus.Entry
	corsOrigin  string
	gatherer    prometheus.Gatherer
	keys        *authority.KeySet
	devIssuer   *authority.Issuer
	devSecret   string
	revocations *core.RevocationStore
}

func NewService(gw *gateway.Service) *Service {
	return &Service{gw: gw, log: logrus.NewEntry(logrus.StandardLogger())}
}

func (s *Service) WithLogger(e *logrus.Entry) *Service {
	if e != nil {
		s.log = e
	}
	return s
}
func (s *Service) WithCORSOrigin(origin string) *Service      { s.corsOrigin = origin; return s }
func (s *Service) WithMetrics(g prometheus.Gatherer) *Service { s.gatherer = g; return s }
func (s *Service) WithJWKS(keys *authority.KeySet) *Service   { s.keys = keys; return s }
func (s *Service) WithRevocations(r *core.RevocationStore) *Service {
	s.revocations = r
	return s
}

// WithDevMint enables POST /dev/mint (and /dev/revoke when revocations are
// configured) guarded by secret. An empty secret leaves them unmounted.
func (s *Service) WithDevMint(issuer *authority.Issuer, secret string) *Service {
	s.devIssuer = issuer
	s.devSecret = secret
	return s
}

// Register mounts GET /profile on r.
func (s *Service) Register(r gin.IRouter) *Service {
	r.GET("/profile", Required(s.gw), HandleProfile(s.gw))
	return s
}

// RegisterJWKS mounts the JWKS endpoint at the absolute root path.
func (s *Service) RegisterJWKS(root gin.IRouter) *Service {
	if s.keys != nil {
		root.GET("/.well-known/jwks.json", HandleJWKS(s.keys))
	}
	return s
}

func (s *Service) registerDev(root gin.IRouter) {
	if s.devIssuer == nil || s.devSecret == "" {
		return
	}
	dev := root.Group("/dev")
	dev.POST("/mint", HandleDevMint(s.devIssuer, s.devSecret))
	if s.revocations != nil {
		dev.POST("/revoke", HandleDevRevoke(s.revocations, s.devSecret))
	}
}

// Engine builds a gin engine with every configured route.
func (s *Service) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	if s.corsOrigin != "" {
		r.Use(ginutil.CORS(s.corsOrigin))
	}
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
	s.Register(r)
	s.RegisterJWKS(r)
	s.registerDev(r)
	r.NoRoute(ginutil.NotFound)
	return r
}

func (s *Service) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		e := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		})
		if uid, ok := UserID(c); ok {
			e = e.WithField("uid", uid)
		}
		e.Debug("http_request")
	}
}
