package webhooks

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/developer-mesh/integration-manager/internal/access"
	"github.com/developer-mesh/integration-manager/internal/adapter"
	"github.com/developer-mesh/integration-manager/internal/models"
	"github.com/developer-mesh/integration-manager/internal/platform"
	"github.com/developer-mesh/integration-manager/internal/store"
	"github.com/gin-gonic/gin"
)

const maxInboxBody = 4 << 20

// sender reads the platform party from the request headers
func sender(c *gin.Context) (models.Sender, bool) {
	s := models.Sender{
		ClientID: c.GetHeader(HeaderClientID),
		OwnerID:  c.GetHeader(HeaderOwnerID),
	}
	if s.ClientID == "" || s.OwnerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Client-Id and X-Owner-Id headers are required"})
		return s, false
	}
	return s, true
}

func channelTemplate(c *gin.Context) (string, bool) {
	id := c.GetHeader(HeaderChannelTemplate)
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Channeltemplate-Id header is required"})
		return "", false
	}
	return id, true
}

// errorStatus maps adapter and platform failures to an HTTP status
func errorStatus(err error) int {
	switch {
	case errors.Is(err, platform.ErrChannelTemplateNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrNotFound):
		return http.StatusUnauthorized
	}
	var se *platform.StatusError
	if errors.As(err, &se) {
		return http.StatusBadGateway
	}
	if kind, ok := access.KindOf(err); ok {
		if kind == access.KindAPIConnection {
			return http.StatusBadGateway
		}
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func (h *Handler) authorize(c *gin.Context) {
	if _, ok := channelTemplate(c); !ok {
		return
	}
	s, ok := sender(c)
	if !ok {
		return
	}

	requests, err := h.deps.Adapter.AuthRequests(c.Request.Context(), s)
	if err != nil {
		h.logger.Error("Adapter failed to build authorization requests", map[string]interface{}{
			"client_id": s.ClientID,
			"error":     err.Error(),
		})
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if requests == nil {
		requests = []adapter.AuthRequest{}
	}
	c.JSON(http.StatusOK, gin.H{"location": requests})
}

func (h *Handler) receiveToken(c *gin.Context) {
	s, ok := sender(c)
	if !ok {
		return
	}

	var raw map[string]interface{}
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "body must be a JSON object"})
		return
	}

	ctx := c.Request.Context()
	creds, err := h.deps.Adapter.AuthResponse(ctx, raw)
	if err != nil {
		h.logger.Warn("Adapter rejected token callback", map[string]interface{}{
			"client_id": s.ClientID,
			"owner_id":  s.OwnerID,
			"error":     err.Error(),
		})
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if creds == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization refused by vendor"})
		return
	}

	creds.Normalize(h.now(), h.cfg.SafetyMargin)
	if creds.ClientID == "" {
		creds.ClientID = s.ClientID
	}
	key, err := h.deps.Store.SetCredentials(ctx, s.ClientID, s.OwnerID, "", creds)
	if err != nil {
		h.logger.Error("Failed to store user credentials", map[string]interface{}{
			"client_id": s.ClientID,
			"owner_id":  s.OwnerID,
			"error":     err.Error(),
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store credentials"})
		return
	}

	h.logger.Info("Stored user credentials", map[string]interface{}{
		"key":             key,
		"expiration_date": creds.ExpirationDate,
	})
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) devicesList(c *gin.Context) {
	s, ok := sender(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	creds, _, err := h.deps.Store.GetCredentials(ctx, s.ClientID, s.OwnerID, "")
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": "no credentials for this owner"})
		return
	}

	devices, err := h.deps.Adapter.GetDevices(ctx, s, creds)
	if err != nil {
		h.logger.Warn("Adapter failed to list devices", map[string]interface{}{
			"owner_id": s.OwnerID,
			"error":    err.Error(),
		})
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	c.JSON(http.StatusOK, devices)
}

type selectDeviceRequest struct {
	Channels []models.Device `json:"channels"`
}

func (h *Handler) selectDevice(c *gin.Context) {
	tpl, ok := channelTemplate(c)
	if !ok {
		return
	}
	s, ok := sender(c)
	if !ok {
		return
	}

	var req selectDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "body must be {\"channels\": [{\"id\": ...}]}"})
		return
	}

	ctx := c.Request.Context()
	creds, _, err := h.deps.Store.GetCredentials(ctx, s.ClientID, s.OwnerID, "")
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": "no credentials for this owner"})
		return
	}

	devices, channels, err := h.pair(ctx, tpl, s, creds, req.Channels)
	if len(channels) == 0 && err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}

	if len(devices) > 0 {
		if err := h.deps.Adapter.DidPairDevices(ctx, s, creds, devices, channels); err != nil {
			h.logger.Warn("Adapter pairing hook failed", map[string]interface{}{
				"owner_id": s.OwnerID,
				"error":    err.Error(),
			})
		}
	}
	c.JSON(http.StatusOK, channels)
}

func (h *Handler) inbox(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxInboxBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	ctx := c.Request.Context()
	results, err := h.deps.Adapter.Downstream(ctx, &adapter.DownstreamRequest{
		Method: c.Request.Method,
		Path:   c.Request.URL.Path,
		Header: c.Request.Header.Clone(),
		Query:  c.Request.URL.Query(),
		Body:   body,
	})
	if err != nil {
		h.logger.Warn("Adapter rejected inbox request", map[string]interface{}{
			"error": err.Error(),
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var override *adapter.ResponseOverride
	for _, r := range results {
		if r.Response != nil && override == nil {
			override = r.Response
		}
		if r.Case.Property == "" {
			continue
		}
		u := models.Update{IO: models.IORead, Case: r.Case, Data: r.Data}
		if r.MQTT != nil && r.MQTT.IO != "" {
			u.IO = r.MQTT.IO
		}
		if err := h.deps.Publisher.Publish(ctx, u); err != nil {
			h.logger.Error("Failed to enqueue inbox update", map[string]interface{}{
				"device_id": r.Case.DeviceID,
				"property":  r.Case.Property,
				"error":     err.Error(),
			})
		}
	}

	if override == nil {
		c.Status(http.StatusOK)
		return
	}
	status := override.Status
	if status == 0 {
		status = http.StatusOK
	}
	if override.Data == nil {
		c.Status(status)
		return
	}
	if raw, ok := override.Data.(string); ok {
		c.Data(status, "text/plain; charset=utf-8", []byte(raw))
		return
	}
	if raw, ok := override.Data.(json.RawMessage); ok {
		c.Data(status, "application/json", raw)
		return
	}
	c.JSON(status, override.Data)
}
