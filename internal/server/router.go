package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/scribe/internal/diff"
	"github.com/MarcoPoloResearchLab/scribe/internal/history"
	"github.com/MarcoPoloResearchLab/scribe/internal/sessions"
	"github.com/MarcoPoloResearchLab/scribe/internal/snapshots"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultTypingIdle = time.Second

var (
	errMissingRegistry   = errors.New("session registry dependency required")
	errMissingHistory    = errors.New("history service dependency required")
	errMissingDispatcher = errors.New("realtime dispatcher dependency required")

	errMissingRetentionBound = errors.New("keep or before is required")
	errInvalidKeep           = errors.New("keep must be a non-negative integer")
	errInvalidBefore         = errors.New("before must be an RFC3339 timestamp")
)

// Dependencies wires the HTTP handler.
type Dependencies struct {
	Registry       *sessions.Registry
	History        *history.Service
	Dispatcher     *RealtimeDispatcher
	TypingIdle     time.Duration
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// NewHTTPHandler builds the router serving the collaboration socket and the history API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}
	if deps.History == nil {
		return nil, errMissingHistory
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	typingIdle := deps.TypingIdle
	if typingIdle <= 0 {
		typingIdle = defaultTypingIdle
	}
	metricsHandler := deps.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		registry:   deps.Registry,
		history:    deps.History,
		dispatcher: deps.Dispatcher,
		typingIdle: typingIdle,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/ws/:docId", handler.handleCollaboration)

	router.GET("/history/:docId", handler.handleListVersions)
	router.GET("/history/restore/:versionId", handler.handleFetchVersion)
	router.GET("/history/preview/:versionId", handler.handlePreviewVersion)

	documents := router.Group("/documents/:docId")
	documents.POST("/restore/:versionId", handler.handleRestoreVersion)
	documents.GET("/diff/:versionId", handler.handleDiffVersion)
	documents.DELETE("/versions", handler.handleDeleteVersions)
	documents.GET("/presence", handler.handlePresence)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	registry   *sessions.Registry
	history    *history.Service
	dispatcher *RealtimeDispatcher
	typingIdle time.Duration
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) documentID(c *gin.Context) (snapshots.DocumentID, bool) {
	documentID, err := snapshots.NewDocumentID(c.Param("docId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) versionID(c *gin.Context, param string) (snapshots.VersionID, bool) {
	versionID, err := snapshots.NewVersionID(c.Param(param))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_version_id"})
		return "", false
	}
	return versionID, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status, class := classifyError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": class, "code": errorCode(err)})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, snapshots.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, snapshots.ErrInvalidSnapshotShape):
		return http.StatusBadRequest, "invalid_snapshot_format"
	case errors.Is(err, history.ErrDecodeFailure):
		return http.StatusUnprocessableEntity, "decode_failure"
	case errors.Is(err, diff.ErrInputTooLarge):
		return http.StatusRequestEntityTooLarge, "input_too_large"
	case errors.Is(err, snapshots.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "storage_unavailable"
	case errors.Is(err, sessions.ErrRegistryClosed):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func errorCode(err error) string {
	message := err.Error()
	if index := strings.Index(message, ":"); index > 0 {
		return message[:index]
	}
	return message
}
