// Package webhooks serves the HTTP endpoints the platform and the vendor
// call: OAuth provisioning, token receipt, device listing and pairing, the
// vendor inbox and operational endpoints.
package webhooks

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/metrics"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/platform"
	"github.com/developer-mesh/integration-manager/internal/refresher"
	"github.com/developer-mesh/integration-manager/pkg/observability"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"
)

// Request headers identifying the platform party
const (
	HeaderChannelTemplate = "X-Channeltemplate-Id"
	HeaderClientID        = "X-Client-Id"
	HeaderOwnerID         = "X-Owner-Id"
	HeaderRequestID       = "X-Request-Id"
)

// Platform is the part of the platform API used by the handlers.
// *platform.Client satisfies it.
type Platform interface {
	ChannelExists(ctx context.Context, channel string) (bool, error)
	CreateChannel(ctx context.Context, req platform.CreateChannelRequest) (string, error)
	GrantAccess(ctx context.Context, channel, id, role string) error
	RegisterWebhooks(ctx context.Context, urls platform.WebhookURLs) (string, error)
}

// HashSource returns the current confirmation hash. *platform.Session
// satisfies it.
type HashSource interface {
	ConfirmationHash() string
}

// Store is the part of the credential store used by the handlers
type Store interface {
	GetCredentials(ctx context.Context, client, owner, channel string) (*models.Credentials, string, error)
	SetCredentials(ctx context.Context, client, owner, channel string, creds *models.Credentials) (string, error)
	GetChannelID(ctx context.Context, device string) (string, error)
	SetChannelDevice(ctx context.Context, channel, device string) error
	DeleteChannelDevice(ctx context.Context, channel string) error
}

// Publisher enqueues updates for the platform
type Publisher interface {
	Publish(ctx context.Context, u models.Update) error
}

// Config configures the handlers
type Config struct {
	Version        string
	PublicURL      string
	RefreshEnabled bool
	SafetyMargin   time.Duration
}

// Deps are the collaborators of the handlers
type Deps struct {
	Adapter   adapter.Adapter
	Store     Store
	Platform  Platform
	Hash      HashSource
	Publisher Publisher
	Tasks     refresher.TaskQueue
	Levels    *observability.Levels
	Gatherer  prometheus.Gatherer
	Logger    observability.Logger
	Metrics   *metrics.Metrics
}

// Handler serves the webhook routes
type Handler struct {
	cfg     Config
	deps    Deps
	logger  observability.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	pairing singleflight.Group
}

// NewHandler creates the webhook handler
func NewHandler(cfg Config, deps Deps) *Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNopMetrics()
	}
	if deps.Levels == nil {
		deps.Levels = observability.DefaultLevels()
	}
	return &Handler{
		cfg:     cfg,
		deps:    deps,
		logger:  deps.Logger.WithPrefix("webhooks"),
		metrics: deps.Metrics,
		now:     time.Now,
	}
}

// Router builds the gin engine serving every route
func (h *Handler) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), h.requestID(), h.observe())
	h.RegisterRoutes(router)
	return router
}

// RegisterRoutes mounts the routes under /<version>
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	v := router.Group("/" + h.cfg.Version)
	{
		v.GET("/", h.liveness)
		v.GET("/level-runtime", h.getLevel)
		v.POST("/level-runtime", h.setLevel)
		v.POST("/inbox", h.inbox)

		gated := v.Group("", h.hashGate())
		gated.GET("/authorize", h.authorize)
		gated.POST("/receive-token", h.receiveToken)
		gated.POST("/devices-list", h.devicesList)
		gated.POST("/select-device", h.selectDevice)
	}

	router.GET("/", h.liveness)
	if h.deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{})))
	}
}

// WebhookURLs are the public URLs announced to the platform
func (h *Handler) WebhookURLs() platform.WebhookURLs {
	base := strings.TrimRight(h.cfg.PublicURL, "/") + "/" + h.cfg.Version
	return platform.WebhookURLs{
		AuthorizeURL:    base + "/authorize",
		ReceiveTokenURL: base + "/receive-token",
		DevicesListURL:  base + "/devices-list",
		SelectDeviceURL: base + "/select-device",
	}
}

// Register announces the webhook URLs, rotating the confirmation hash
func (h *Handler) Register(ctx context.Context) error {
	_, err := h.deps.Platform.RegisterWebhooks(ctx, h.WebhookURLs())
	return err
}

// hashGate rejects requests not carrying the current confirmation hash
func (h *Handler) hashGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		current := h.deps.Hash.ConfirmationHash()
		presented, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || current == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(current)) != 1 {
			h.logger.Warn("Rejected webhook request with invalid confirmation hash", map[string]interface{}{
				"path":   c.Request.URL.Path,
				"remote": c.ClientIP(),
			})
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid confirmation hash"})
			return
		}
		c.Next()
	}
}

func (h *Handler) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

func (h *Handler) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		h.metrics.WebhookRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		h.logger.Debug("Webhook request", map[string]interface{}{
			"method":      c.Request.Method,
			"route":       route,
			"status":      status,
			"request_id":  c.GetString("request_id"),
			"duration_ms": time.Since(started).Milliseconds(),
		})
	}
}

func (h *Handler) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type levelRequest struct {
	Level      *int `json:"level"`
	TTLSeconds int  `json:"ttl_seconds"`
}

func (h *Handler) getLevel(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"level": h.deps.Levels.Current(),
		"base":  h.deps.Levels.Base(),
	})
}

func (h *Handler) setLevel(c *gin.Context) {
	var req levelRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Level == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"level\": 0..9, \"ttl_seconds\": n}"})
		return
	}
	if *req.Level < observability.MinLevel || *req.Level > observability.MaxLevel || req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level must be within 0..9 and ttl_seconds not negative"})
		return
	}

	h.deps.Levels.Set(*req.Level, time.Duration(req.TTLSeconds)*time.Second)
	h.logger.Info("Log level changed at runtime", map[string]interface{}{
		"level":       *req.Level,
		"ttl_seconds": req.TTLSeconds,
	})
	c.JSON(http.StatusOK, gin.H{"level": h.deps.Levels.Current(), "base": h.deps.Levels.Base()})
}
