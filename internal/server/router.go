package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fieldops/patrolsync/internal/capture"
	"github.com/fieldops/patrolsync/internal/connectivity"
	"github.com/fieldops/patrolsync/internal/events"
	"github.com/fieldops/patrolsync/internal/patrol"
	"github.com/fieldops/patrolsync/internal/records"
	"github.com/fieldops/patrolsync/internal/timeclock"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingControlToken  = errors.New("control token dependency required")
	errMissingScheduler     = errors.New("scheduler dependency required")
	errMissingStore         = errors.New("record store dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// SyncTrigger runs explicit sync-now requests. *syncer.Scheduler implements it.
type SyncTrigger interface {
	SyncNow(ctx context.Context) bool
	ResetBackoff()
}

// CatalogRefresher pulls reference data. *syncer.Catalog implements it.
type CatalogRefresher interface {
	Refresh(ctx context.Context) error
}

// SessionLogin exchanges operator credentials for a stored session token.
type SessionLogin interface {
	Login(ctx context.Context, username, password string) error
}

// SessionStatus reports whether a usable backend session is held.
// *auth.Session implements it.
type SessionStatus interface {
	Valid() bool
}

// Dependencies wires the control API to the sync core.
type Dependencies struct {
	ControlToken string
	UserID       records.UserID
	Scheduler    SyncTrigger
	Catalog      CatalogRefresher
	Login        SessionLogin
	Session      SessionStatus
	Patrol       *patrol.Machine
	TimeClock    *timeclock.Service
	Capture      *capture.Service
	Store        *records.Store
	Monitor      *connectivity.Monitor
	Dispatcher   *events.Dispatcher
	Logger       *zap.Logger
}

// NewHTTPHandler builds the localhost control API the UI layer drives.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if strings.TrimSpace(deps.ControlToken) == "" {
		return nil, errMissingControlToken
	}
	if deps.Scheduler == nil {
		return nil, errMissingScheduler
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = events.NewDispatcher()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		deps:       deps,
		dispatcher: dispatcher,
		logger:     logger,
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/sync", handler.handleSyncNow)
	protected.GET("/status", handler.handleStatus)
	protected.POST("/connectivity", handler.handleConnectivity)
	protected.POST("/session/login", handler.handleLogin)
	protected.POST("/catalog/refresh", handler.handleCatalogRefresh)
	protected.POST("/patrol/start", handler.handlePatrolStart)
	protected.POST("/patrol/verify", handler.handlePatrolVerify)
	protected.POST("/patrol/end", handler.handlePatrolEnd)
	protected.POST("/clock", handler.handleClock)
	protected.POST("/reports", handler.handleReport)
	protected.POST("/photos", handler.handlePhotoRegister)
	protected.DELETE("/photos/:id", handler.handlePhotoDelete)
	protected.POST("/locations", handler.handleLocation)
	protected.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	deps       Dependencies
	dispatcher *events.Dispatcher
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.deps.ControlToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *httpHandler) handleSyncNow(c *gin.Context) {
	success := h.deps.Scheduler.SyncNow(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"success": success})
}

type statusResponsePayload struct {
	Connected bool                   `json:"connected"`
	LoggedIn  bool                   `json:"logged_in"`
	Pending   map[records.Kind]int64 `json:"pending"`
	Patrol    *patrolStatusPayload   `json:"patrol,omitempty"`
}

type patrolStatusPayload struct {
	State                string  `json:"state"`
	LocationID           int64   `json:"location_id"`
	TotalCheckpoints     int     `json:"total_checkpoints"`
	VerifiedCheckpoints  int     `json:"verified_checkpoints"`
	CompletionPercentage float64 `json:"completion_percentage"`
	IsComplete           bool    `json:"is_complete"`
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	counts, err := h.deps.Store.PendingCounts(c.Request.Context())
	if err != nil {
		h.logger.Error("pending counts failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "status_failed"})
		return
	}

	response := statusResponsePayload{Pending: counts}
	if h.deps.Monitor != nil {
		response.Connected = h.deps.Monitor.IsConnected()
	}
	if h.deps.Session != nil {
		response.LoggedIn = h.deps.Session.Valid()
	}
	if h.deps.Patrol != nil {
		state := h.deps.Patrol.State()
		status := h.deps.Patrol.Status()
		response.Patrol = &patrolStatusPayload{
			State:                string(state),
			LocationID:           status.LocationID,
			TotalCheckpoints:     status.TotalCheckpoints,
			VerifiedCheckpoints:  status.VerifiedCheckpoints,
			CompletionPercentage: status.CompletionPercentage(),
			IsComplete:           status.IsComplete(),
		}
	}
	c.JSON(http.StatusOK, response)
}

type connectivityPayload struct {
	Connected bool `json:"connected"`
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if h.deps.Monitor != nil {
		h.deps.Monitor.SetConnected(request.Connected)
	}
	if request.Connected {
		// A fresh link should not wait out stale failure delays.
		h.deps.Scheduler.ResetBackoff()
	}
	c.JSON(http.StatusOK, gin.H{"connected": request.Connected})
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	if h.deps.Login == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "login_unavailable"})
		return
	}
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.deps.Login.Login(c.Request.Context(), request.Username, request.Password); err != nil {
		h.logger.Warn("session login failed", zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logged_in": true})
}

func (h *httpHandler) handleCatalogRefresh(c *gin.Context) {
	if h.deps.Catalog == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "catalog_unavailable"})
		return
	}
	if err := h.deps.Catalog.Refresh(c.Request.Context()); err != nil {
		h.logger.Warn("catalog refresh failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "refresh_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refreshed": true})
}

type patrolStartPayload struct {
	LocationID int64 `json:"location_id"`
}

func (h *httpHandler) handlePatrolStart(c *gin.Context) {
	var request patrolStartPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := h.deps.Patrol.StartPatrol(c.Request.Context(), request.LocationID)
	if err != nil {
		c.JSON(patrolErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, patrolStatusBody(h.deps.Patrol, status))
}

type patrolVerifyPayload struct {
	CheckpointID int64 `json:"checkpoint_id"`
}

func (h *httpHandler) handlePatrolVerify(c *gin.Context) {
	var request patrolVerifyPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	status, err := h.deps.Patrol.VerifyCheckpoint(c.Request.Context(), request.CheckpointID)
	if err != nil {
		c.JSON(patrolErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, patrolStatusBody(h.deps.Patrol, status))
}

func (h *httpHandler) handlePatrolEnd(c *gin.Context) {
	status, err := h.deps.Patrol.EndPatrol(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if status == nil {
		c.JSON(http.StatusOK, gin.H{"ended": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ended":                true,
		"verified_checkpoints": status.VerifiedCheckpoints,
		"total_checkpoints":    status.TotalCheckpoints,
		"is_complete":          status.IsComplete(),
	})
}

func patrolStatusBody(machine *patrol.Machine, status patrol.Status) patrolStatusPayload {
	return patrolStatusPayload{
		State:                string(machine.State()),
		LocationID:           status.LocationID,
		TotalCheckpoints:     status.TotalCheckpoints,
		VerifiedCheckpoints:  status.VerifiedCheckpoints,
		CompletionPercentage: status.CompletionPercentage(),
		IsComplete:           status.IsComplete(),
	}
}

func patrolErrorStatus(err error) int {
	switch {
	case errors.Is(err, patrol.ErrInvalidCheckpointID),
		errors.Is(err, patrol.ErrNoCheckpoints),
		errors.Is(err, patrol.ErrUnknownCheckpoint):
		return http.StatusBadRequest
	case errors.Is(err, patrol.ErrNoActivePatrol),
		errors.Is(err, patrol.ErrPatrolAlreadyActive),
		errors.Is(err, patrol.ErrCheckpointOutOfRange):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type clockPayload struct {
	Kind      string  `json:"kind"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *httpHandler) handleClock(c *gin.Context) {
	var request clockPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	position, err := records.NewCoordinates(request.Latitude, request.Longitude)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinates"})
		return
	}
	record, err := h.deps.TimeClock.Record(c.Request.Context(), h.deps.UserID, records.TimeRecordKind(request.Kind), position)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, timeclock.ErrAlreadyClockedIn) || errors.Is(err, timeclock.ErrNotClockedIn) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"local_id": record.LocalID, "kind": string(record.Kind)})
}

type reportRequestPayload struct {
	Text      string  `json:"text"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *httpHandler) handleReport(c *gin.Context) {
	var request reportRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	position, err := records.NewCoordinates(request.Latitude, request.Longitude)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinates"})
		return
	}
	report, err := h.deps.Capture.CaptureReport(c.Request.Context(), request.Text, position)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"local_id": report.LocalID})
}

type photoRegisterPayload struct {
	FilePath  string  `json:"file_path"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (h *httpHandler) handlePhotoRegister(c *gin.Context) {
	var request photoRegisterPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	position, err := records.NewCoordinates(request.Latitude, request.Longitude)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinates"})
		return
	}
	photo, err := h.deps.Capture.RegisterPhoto(c.Request.Context(), request.FilePath, position)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"local_id": photo.LocalID})
}

func (h *httpHandler) handlePhotoDelete(c *gin.Context) {
	localID := c.Param("id")
	if err := h.deps.Capture.DeletePhoto(c.Request.Context(), localID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, records.ErrNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, records.ErrNotPending) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

type locationRequestPayload struct {
	Latitude       float64 `json:"latitude"`
	Longitude      float64 `json:"longitude"`
	AccuracyMeters float64 `json:"accuracy_m"`
}

func (h *httpHandler) handleLocation(c *gin.Context) {
	var request locationRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	position, err := records.NewCoordinates(request.Latitude, request.Longitude)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_coordinates"})
		return
	}
	sample, transitions, err := h.deps.Capture.RecordLocation(c.Request.Context(), position, request.AccuracyMeters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	inRange := make([]int64, 0)
	for _, transition := range transitions {
		if transition.InRange {
			inRange = append(inRange, transition.CheckpointID)
		}
	}
	c.JSON(http.StatusOK, gin.H{"local_id": sample.LocalID, "entered_range": inRange})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cancel := h.dispatcher.Subscribe(c.Request.Context())
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case event, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(string(event.Type), event)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
