package http

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qq1064990473/open-xiaoai/internal/assistant"
	"github.com/qq1064990473/open-xiaoai/internal/speaker"
)

// DeviceStatus reports the speaker connection. *speaker.Device satisfies it.
type DeviceStatus interface {
	Status() speaker.Status
}

// Controller is the assistant surface exposed over HTTP. *assistant.Assistant satisfies it.
type Controller interface {
	Status() assistant.Status
	PlayMusic(query string)
	StopMusic()
	CloseChannel(ctx context.Context)
}

type playRequest struct {
	Query string `json:"query"`
}

var errEmptyQuery = errors.New("query is required")

// NewRouter executes the newRouter function.
// metricsHandler may be nil.
func NewRouter(device DeviceStatus, control Controller, wsHandler http.Handler, metricsHandler http.Handler, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.RedirectTrailingSlash = false
	router.RedirectFixedPath = false
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The speaker agent dials this endpoint.
	router.GET("/ws", func(c *gin.Context) {
		wsHandler.ServeHTTP(c.Writer, c.Request)
	})

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	api := router.Group("/api")
	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"device":    device.Status(),
			"assistant": control.Status(),
		})
	})
	api.POST("/music/play", func(c *gin.Context) {
		var req playRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		query := strings.TrimSpace(req.Query)
		if query == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": errEmptyQuery.Error()})
			return
		}
		control.PlayMusic(query)
		c.JSON(http.StatusAccepted, gin.H{"query": query})
	})
	api.POST("/music/stop", func(c *gin.Context) {
		control.StopMusic()
		c.Status(http.StatusNoContent)
	})
	api.POST("/channel/close", func(c *gin.Context) {
		control.CloseChannel(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	return router
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)
		if logger == nil {
			return
		}
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.String("query", c.Request.URL.RawQuery),
			zap.String("client_ip", c.ClientIP()),
			zap.Int("status", c.Writer.Status()),
			zap.Int("bytes", c.Writer.Size()),
			zap.Duration("latency", latency),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
