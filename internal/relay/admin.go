package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/danmuck/uplinkctl/internal/observability"
	"github.com/danmuck/uplinkctl/internal/protocol"
	"github.com/danmuck/uplinkctl/internal/transport"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// AdminRouter builds the admin HTTP surface. Websocket sessions accepted on
// it run under ctx.
func (s *Service) AdminRouter(ctx context.Context) *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestID())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.RelayID))
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowMethods: []string{"GET", "DELETE"},
			AllowHeaders: []string{"Origin", "Content-Type"},
			MaxAge:       12 * time.Hour,
		}))
	}
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(s.started).String(),
			"relay":    s.cfg.RelayID,
			"protocol": s.cfg.ProtocolVersion,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		status := http.StatusOK
		if !s.Ready() {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":    s.Ready(),
			"draining": s.Draining(),
			"relay":    s.cfg.RelayID,
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/sessions", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"sessions":   s.Sessions(),
			"namespaces": s.namespaces.Snapshot(),
		})
	})

	r.GET("/sessions/:namespace", func(c *gin.Context) {
		p, ok := s.Peer(c.Param("namespace"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusOK, p.Info())
	})

	r.DELETE("/sessions/:namespace", func(c *gin.Context) {
		p, ok := s.Peer(c.Param("namespace"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		p.Disconnect(protocol.ErrorUnknown, "Disconnected by the relay operator")
		c.JSON(http.StatusAccepted, gin.H{"namespace": p.Namespace(), "disconnected": true})
	})

	if s.cfg.Listen.Kind == transport.KindWebSocket {
		r.GET(s.cfg.Listen.WebSocketPath, func(c *gin.Context) {
			if s.Draining() {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"error": protocol.ErrorServerShuttingDown.Wrap("The relay is shutting down"),
				})
				return
			}
			conn, err := transport.UpgradeWebSocket(c.Writer, c.Request)
			if err != nil {
				log.Debug().Err(err).Msg("relay.AdminRouter websocket upgrade failed")
				return
			}
			_ = s.ServeConn(ctx, conn)
		})
	}
	return r
}
