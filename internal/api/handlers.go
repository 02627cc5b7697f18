package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/backstage/services/branchops/internal/core"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HealthCheck is a named dependency check reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Options configures the handlers.
type Options struct {
	Production     bool
	MaxUploadBytes int64
	Checks         []HealthCheck
	Logger         *logrus.Logger
}

// APIHandlers holds all HTTP handlers
type APIHandlers struct {
	services   *core.ServiceRegistry
	tokens     *TokenIssuer
	logger     *logrus.Logger
	production bool
	maxUpload  int64
	checks     []HealthCheck
}

// NewAPIHandlers creates a new handler instance
func NewAPIHandlers(services *core.ServiceRegistry, tokens *TokenIssuer, opts Options) *APIHandlers {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &APIHandlers{
		services:   services,
		tokens:     tokens,
		logger:     logger,
		production: opts.Production,
		maxUpload:  opts.MaxUploadBytes,
		checks:     opts.Checks,
	}
}

// HealthCheck returns service health status
func (h *APIHandlers) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := gin.H{}
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			deps[check.Name] = err.Error()
			continue
		}
		deps[check.Name] = "ok"
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":       state,
		"timestamp":    time.Now().UTC(),
		"service":      "branchops",
		"dependencies": deps,
	})
}

// scope resolves the caller's visibility. It writes the error response and
// returns false when the caller may not see any branch.
func (h *APIHandlers) scope(c *gin.Context) (core.Scope, bool) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return core.Scope{}, false
	}
	scope, err := core.ResolveScope(c.Request.Context(), h.services.Store, user.UUID, user.Role)
	if err != nil {
		h.respondError(c, err, "failed to resolve access scope")
		return core.Scope{}, false
	}
	return scope, true
}

func uintParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

// --- Heartbeat Endpoints ---

// IngestHeartbeat records a liveness ping from a device. Open to unauthenticated devices.
func (h *APIHandlers) IngestHeartbeat(c *gin.Context) {
	var in core.HeartbeatInput
	if err := c.ShouldBindJSON(&in); err != nil {
		h.badRequest(c, "invalid heartbeat format", err)
		return
	}

	hb, err := h.services.Heartbeats.Ingest(c.Request.Context(), in, core.TransportHTTP)
	if err != nil {
		h.respondError(c, err, "failed to record heartbeat")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"message":     "heartbeat recorded",
		"identity":    hb.Identity,
		"received_at": hb.ReceivedAt,
	})
}

// ListHeartbeats returns every visible device with its derived status.
func (h *APIHandlers) ListHeartbeats(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	listing, err := h.services.Heartbeats.ListStatuses(c.Request.Context(), scope)
	if err != nil {
		h.respondError(c, err, "failed to list heartbeats")
		return
	}

	c.JSON(http.StatusOK, listing)
}

// HeartbeatHistory returns the latest raw heartbeats of one identity.
func (h *APIHandlers) HeartbeatHistory(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	history, err := h.services.Heartbeats.History(c.Request.Context(), scope, c.Param("identity"), queryInt(c, "limit", 0))
	if err != nil {
		h.respondError(c, err, "failed to load heartbeat history")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"heartbeats": history,
		"count":      len(history),
	})
}

// --- Device Management Endpoints ---

// CreateDevice registers a device manually.
func (h *APIHandlers) CreateDevice(c *gin.Context) {
	var device core.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	if err := h.services.Devices.CreateDevice(c.Request.Context(), &device); err != nil {
		h.respondError(c, err, "failed to create device")
		return
	}

	c.JSON(http.StatusCreated, device)
}

// GetDevice retrieves device details
func (h *APIHandlers) GetDevice(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	device, err := h.services.Devices.GetDevice(c.Request.Context(), scope, id)
	if err != nil {
		h.respondError(c, err, "failed to get device")
		return
	}

	c.JSON(http.StatusOK, device)
}

// ListDevices returns the devices visible to the caller.
func (h *APIHandlers) ListDevices(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	devices, err := h.services.Devices.ListDevices(c.Request.Context(), scope)
	if err != nil {
		h.respondError(c, err, "failed to list devices")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"devices": devices,
		"count":   len(devices),
	})
}

// UpdateDevice overwrites a device.
func (h *APIHandlers) UpdateDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	var device core.Device
	if err := c.ShouldBindJSON(&device); err != nil {
		h.badRequest(c, "invalid request format", err)
		return
	}

	if err := h.services.Devices.UpdateDevice(c.Request.Context(), id, &device); err != nil {
		h.respondError(c, err, "failed to update device")
		return
	}

	c.JSON(http.StatusOK, device)
}

// DeleteDevice removes an undeployed device.
func (h *APIHandlers) DeleteDevice(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}

	if err := h.services.Devices.DeleteDevice(c.Request.Context(), id); err != nil {
		h.respondError(c, err, "failed to delete device")
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "device deleted"})
}

// --- Recording Endpoints ---

type recordingForm struct {
	CNIC       string `form:"cnic" binding:"required,cnic"`
	StartTime  string `form:"start_time" binding:"required"`
	EndTime    string `form:"end_time"`
	IPAddress  string `form:"ip_address"`
	MACAddress string `form:"mac_address"`
}

// UploadRecording accepts recording metadata plus an optional audio file.
func (h *APIHandlers) UploadRecording(c *gin.Context) {
	if h.maxUpload > 0 {
		// Leave room for the metadata fields around the file part.
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+1<<20)
	}

	var form recordingForm
	if err := c.ShouldBind(&form); err != nil {
		h.badRequest(c, "invalid recording metadata", err)
		return
	}

	start, err := parseTime(form.StartTime)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start_time", "field": "start_time"})
		return
	}
	upload := core.RecordingUpload{
		CNIC:       form.CNIC,
		StartTime:  start,
		IPAddress:  form.IPAddress,
		MACAddress: form.MACAddress,
	}
	if form.EndTime != "" {
		end, err := parseTime(form.EndTime)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end_time", "field": "end_time"})
			return
		}
		upload.EndTime = &end
	}

	file, header, err := c.Request.FormFile("audio")
	switch {
	case err == nil:
		defer file.Close()
		upload.File = file
		upload.FileName = header.Filename
	case !errors.Is(err, http.ErrMissingFile):
		h.badRequest(c, "invalid audio file", err)
		return
	}

	rec, err := h.services.Recordings.Upload(c.Request.Context(), upload)
	if err != nil {
		h.respondError(c, err, "failed to save recording")
		return
	}

	c.JSON(http.StatusCreated, rec)
}

// ListRecordings returns a page of visible recordings with optional CNIC search.
func (h *APIHandlers) ListRecordings(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	page, err := h.services.Recordings.ListRecordings(c.Request.Context(), scope, core.RecordingQuery{
		CNIC:  c.Query("cnic"),
		Page:  queryInt(c, "page", 1),
		Limit: queryInt(c, "limit", 0),
	})
	if err != nil {
		h.respondError(c, err, "failed to list recordings")
		return
	}

	c.JSON(http.StatusOK, page)
}

// StreamAudio serves a stored audio file of a visible recording.
func (h *APIHandlers) StreamAudio(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	path, err := h.services.Recordings.AudioPath(c.Request.Context(), scope, c.Param("filename"))
	if err != nil {
		h.respondError(c, err, "failed to load audio")
		return
	}
	c.File(path)
}

func parseTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	var err error
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		var t time.Time
		if t, err = time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, err
}

// --- Dashboard Endpoints ---

// DashboardSummary returns the analytics sections for the caller's scope.
func (h *APIHandlers) DashboardSummary(c *gin.Context) {
	scope, ok := h.scope(c)
	if !ok {
		return
	}

	summary, err := h.services.Dashboard.Summary(c.Request.Context(), scope)
	if err != nil {
		h.respondError(c, err, "failed to build dashboard")
		return
	}

	c.JSON(http.StatusOK, summary)
}
