package server

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/auth"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/fleetsync/internal/rows"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	sessionContextKey = "fleetsync_session"
	tableParam        = "table"

	defaultHeartbeatInterval = 25 * time.Second

	codeUnauthorized  = "auth.unauthorized"
	codeForbidden     = "rows.forbidden"
	codeInvalidTable  = "rows.invalid_table"
	codeInvalidBody   = "rows.invalid_body"
	codeInternalError = "rows.internal"
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRowStore         = errors.New("row store dependency required")
	errMissingRealtime         = errors.New("realtime dispatcher dependency required")
	errInvalidAuthorization    = errors.New("authorization header missing or invalid")
)

// SessionValidator authenticates API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// RowStore is the logical table store served by the API.
type RowStore interface {
	Upsert(ctx context.Context, table rows.LogicalTable, incoming []protocol.Row, conflictKeys []string) (rows.WriteOutcome, error)
	Update(ctx context.Context, table rows.LogicalTable, patch protocol.Row, predicate protocol.Predicate) (rows.WriteOutcome, error)
	Select(ctx context.Context, table rows.LogicalTable, query protocol.SelectRequest) ([]protocol.Row, error)
}

type Dependencies struct {
	Sessions SessionValidator
	Rows     RowStore
	Realtime *RealtimeDispatcher
	// RestrictedTables require the admin role.
	RestrictedTables  []string
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	MetricsHandler    http.Handler
	Metrics           *metrics.BackendMetrics
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Rows == nil {
		return nil, errMissingRowStore
	}
	if deps.Realtime == nil {
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	restricted := make(map[string]struct{}, len(deps.RestrictedTables))
	for _, table := range deps.RestrictedTables {
		restricted[protocol.NormalizeTable(table)] = struct{}{}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sessions:   deps.Sessions,
		rows:       deps.Rows,
		realtime:   deps.Realtime,
		restricted: restricted,
		heartbeat:  heartbeat,
		metrics:    deps.Metrics,
		logger:     logger,
	}

	router.GET("/healthz", handler.handleHealth)
	if deps.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.POST("/tables/:table/upsert", handler.handleUpsert)
	protected.POST("/tables/:table/update", handler.handleUpdate)
	protected.POST("/tables/:table/select", handler.handleSelect)
	protected.GET("/changes/stream", handler.handleChangeStream)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 || slices.Contains(allowedOrigins, "*") {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sessions   SessionValidator
	rows       RowStore
	realtime   *RealtimeDispatcher
	restricted map[string]struct{}
	heartbeat  time.Duration
	metrics    *metrics.BackendMetrics
	logger     *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleUpsert(c *gin.Context) {
	table, ok := h.resolveTable(c)
	if !ok {
		return
	}
	var request protocol.UpsertRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidBody, "invalid_request")
		return
	}
	outcome, err := h.rows.Upsert(c.Request.Context(), table, request.Rows, request.ConflictKeys)
	if err != nil {
		h.respondServiceError(c, "failed to upsert rows", table, err)
		return
	}
	h.metrics.AddWrites(table.String(), protocol.EventUpsert, outcome.Affected)
	c.JSON(http.StatusOK, protocol.WriteResponse{Affected: outcome.Affected})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	table, ok := h.resolveTable(c)
	if !ok {
		return
	}
	var request protocol.UpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidBody, "invalid_request")
		return
	}
	outcome, err := h.rows.Update(c.Request.Context(), table, request.Patch, request.Match)
	if err != nil {
		h.respondServiceError(c, "failed to update rows", table, err)
		return
	}
	h.metrics.AddWrites(table.String(), protocol.EventUpdate, outcome.Affected)
	c.JSON(http.StatusOK, protocol.WriteResponse{Affected: outcome.Affected})
}

func (h *httpHandler) handleSelect(c *gin.Context) {
	table, ok := h.resolveTable(c)
	if !ok {
		return
	}
	var request protocol.SelectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			respondError(c, http.StatusBadRequest, codeInvalidBody, "invalid_request")
			return
		}
	}
	selected, err := h.rows.Select(c.Request.Context(), table, request)
	if err != nil {
		h.respondServiceError(c, "failed to select rows", table, err)
		return
	}
	if selected == nil {
		selected = []protocol.Row{}
	}
	c.JSON(http.StatusOK, protocol.SelectResponse{Rows: selected})
}

func (h *httpHandler) handleChangeStream(c *gin.Context) {
	claims := h.sessionClaims(c)
	filter := ChangeFilter{
		Table: protocol.NormalizeTable(c.Query(tableParam)),
		Event: strings.TrimSpace(c.Query("event")),
	}
	if filter.Table != "" {
		if _, err := rows.NewLogicalTable(filter.Table); err != nil {
			respondError(c, http.StatusBadRequest, codeInvalidTable, "invalid_table")
			return
		}
		if !h.allowed(filter.Table, claims) {
			respondError(c, http.StatusForbidden, codeForbidden, "forbidden")
			return
		}
	}

	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, filter)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			if !h.allowed(event.Table, claims) {
				continue
			}
			c.SSEvent(RealtimeEventChange, event)
			c.Writer.Flush()
		case now := <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend, "at_s": now.UTC().Unix()})
			c.Writer.Flush()
		}
	}
}

// resolveTable parses the table parameter and enforces role restrictions.
func (h *httpHandler) resolveTable(c *gin.Context) (rows.LogicalTable, bool) {
	table, err := rows.NewLogicalTable(c.Param(tableParam))
	if err != nil {
		respondError(c, http.StatusBadRequest, codeInvalidTable, "invalid_table")
		return "", false
	}
	if !h.allowed(table.String(), h.sessionClaims(c)) {
		h.logger.Info("restricted table access denied", zap.String("table", table.String()))
		respondError(c, http.StatusForbidden, codeForbidden, "forbidden")
		return "", false
	}
	return table, true
}

func (h *httpHandler) allowed(table string, claims auth.SessionClaims) bool {
	if _, restricted := h.restricted[table]; !restricted {
		return true
	}
	return claims.ManagesUsers()
}

func (h *httpHandler) sessionClaims(c *gin.Context) auth.SessionClaims {
	value, exists := c.Get(sessionContextKey)
	if !exists {
		return auth.SessionClaims{}
	}
	claims, _ := value.(auth.SessionClaims)
	return claims
}

func (h *httpHandler) respondServiceError(c *gin.Context, message string, table rows.LogicalTable, err error) {
	code := codeInternalError
	var serviceErr *rows.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	if errors.Is(err, rows.ErrInvalidRequest) {
		h.logger.Info(message, zap.String("table", table.String()), zap.String("code", code), zap.Error(err))
		respondError(c, http.StatusBadRequest, code, err.Error())
		return
	}
	h.logger.Error(message, zap.String("table", table.String()), zap.String("code", code), zap.Error(err))
	respondError(c, http.StatusInternalServerError, code, "internal_error")
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, protocol.ErrorResponse{Error: message, Code: code})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	// EventSource clients cannot set headers; accept the token as a query parameter.
	if c.GetHeader("Authorization") == "" {
		if token := strings.TrimSpace(c.Query("access_token")); token != "" {
			c.Request.Header.Set("Authorization", "Bearer "+token)
		}
	}
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
		respondError(c, http.StatusUnauthorized, codeUnauthorized, errInvalidAuthorization.Error())
		return
	}
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		respondError(c, http.StatusUnauthorized, codeUnauthorized, "unauthorized")
		return
	}
	c.Set(sessionContextKey, claims)
	c.Next()
}
