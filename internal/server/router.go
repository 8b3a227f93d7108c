package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/plexalabs/dynconf/internal/auth"
	"github.com/plexalabs/dynconf/internal/dynconfig"
	"github.com/plexalabs/dynconf/internal/realtime"
	"go.uber.org/zap"
)

const (
	userIDContextKey = "dynconf_user_id"
	roleContextKey   = "dynconf_role"
)

var (
	errMissingConfigService = errors.New("config service dependency required")
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingGateway       = errors.New("distribution gateway dependency required")
)

// Dependencies wires the router's collaborators.
type Dependencies struct {
	ConfigService *dynconfig.Service
	Gateway       *realtime.Gateway
	TokenManager  *auth.TokenManager
	Logger        *zap.Logger
}

// NewHTTPHandler assembles the admin REST surface and the realtime endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.ConfigService == nil {
		return nil, errMissingConfigService
	}
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Gateway == nil {
		return nil, errMissingGateway
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		configs: deps.ConfigService,
		gateway: deps.Gateway,
		tokens:  deps.TokenManager,
		logger:  logger,
	}

	websocketHandler := realtime.NewWebsocketHandler(deps.Gateway, &credentialValidator{tokens: deps.TokenManager}, logger)
	router.GET("/ws", websocketHandler.Handle)

	api := router.Group("/api/v1")
	api.Use(handler.authorizeRequest)

	api.GET("/configs/export", handler.requireAdmin, handler.handleExport)
	api.POST("/configs/import", handler.requireAdmin, handler.handleImport)
	api.GET("/configs/stats", handler.requireAdmin, handler.handleStats)
	api.POST("/configs/bulk", handler.requireAdmin, handler.handleBulkUpdate)
	api.GET("/realtime/stats", handler.requireAdmin, handler.handleRealtimeStats)

	api.POST("/configs/:type", handler.requireAdmin, handler.handleCreate)
	api.GET("/configs/:type", handler.handleList)
	api.POST("/configs/:type/validate", handler.requireAdmin, handler.handleValidate)
	api.GET("/configs/:type/:id", handler.handleGet)
	api.PUT("/configs/:type/:id", handler.requireAdmin, handler.handleUpdate)
	api.DELETE("/configs/:type/:id", handler.requireAdmin, handler.handleDelete)
	api.GET("/configs/:type/:id/history", handler.handleHistory)
	api.POST("/configs/:type/:id/rollback", handler.requireAdmin, handler.handleRollback)

	return router, nil
}

type httpHandler struct {
	configs *dynconfig.Service
	gateway *realtime.Gateway
	tokens  *auth.TokenManager
	logger  *zap.Logger
}

// credentialValidator adapts the token manager to the realtime transport.
type credentialValidator struct {
	tokens *auth.TokenManager
}

func (v *credentialValidator) Validate(token string) (string, realtime.Role, error) {
	claims, err := v.tokens.ValidateToken(token)
	if err != nil {
		return "", "", err
	}
	return claims.Subject, realtime.Role(claims.Role), nil
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	claims, err := h.tokens.ValidateToken(strings.TrimPrefix(header, prefix))
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.Set(userIDContextKey, claims.Subject)
	c.Set(roleContextKey, claims.Role)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	role := c.GetString(roleContextKey)
	if role != string(realtime.RoleAdmin) && role != string(realtime.RoleSuperAdmin) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

type writePayload struct {
	ConfigID       string             `json:"configId"`
	Configuration  dynconfig.Payload  `json:"configuration"`
	Region         string             `json:"region"`
	TaxType        string             `json:"taxType"`
	Priority       int                `json:"priority"`
	Tags           []string           `json:"tags"`
	EffectiveFrom  *time.Time         `json:"effectiveFrom"`
	EffectiveUntil *time.Time         `json:"effectiveUntil"`
	Reason         string             `json:"reason"`
	Metadata       dynconfig.Metadata `json:"metadata"`
}

func (p writePayload) toRequest(key dynconfig.ConfigKey, updatedBy string) dynconfig.WriteRequest {
	return dynconfig.WriteRequest{
		Key:            key,
		Configuration:  p.Configuration,
		Region:         p.Region,
		TaxType:        p.TaxType,
		Priority:       p.Priority,
		Tags:           p.Tags,
		EffectiveFrom:  p.EffectiveFrom,
		EffectiveUntil: p.EffectiveUntil,
		UpdatedBy:      updatedBy,
		Reason:         p.Reason,
		Metadata:       p.Metadata,
	}
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	var payload writePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	configID := payload.ConfigID
	if strings.TrimSpace(configID) == "" {
		configID = uuid.NewString()
	}
	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), configID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, version, err := h.configs.Create(c.Request.Context(), payload.toRequest(key, c.GetString(userIDContextKey)))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"config": record, "version": version})
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	var payload writePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, version, err := h.configs.Update(c.Request.Context(), payload.toRequest(key, c.GetString(userIDContextKey)))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": record, "version": version})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, err := h.configs.Get(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": record})
}

func (h *httpHandler) handleList(c *gin.Context) {
	filters := dynconfig.ListFilters{
		Type:    dynconfig.ConfigType(c.Param("type")),
		Region:  c.Query("region"),
		TaxType: c.Query("taxType"),
	}

	if raw := c.Query("isActive"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_is_active"})
			return
		}
		filters.IsActive = &active
	}
	if raw := c.Query("effectiveDate"); raw != "" {
		at, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_effective_date"})
			return
		}
		filters.EffectiveDate = &at
	}
	if raw := c.Query("tags"); raw != "" {
		filters.Tags = strings.Split(raw, ",")
	}

	records, err := h.configs.List(c.Request.Context(), filters)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"configs": records, "count": len(records)})
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.configs.Delete(c.Request.Context(), key, c.GetString(userIDContextKey)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	versions, err := h.configs.History(c.Request.Context(), key, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"versions": versions, "count": len(versions)})
}

type rollbackPayload struct {
	TargetVersion int    `json:"targetVersion"`
	Reason        string `json:"reason"`
}

func (h *httpHandler) handleRollback(c *gin.Context) {
	var payload rollbackPayload
	if err := c.ShouldBindJSON(&payload); err != nil || payload.TargetVersion <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if strings.TrimSpace(payload.Reason) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason_required"})
		return
	}

	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	record, version, err := h.configs.Rollback(c.Request.Context(), key, payload.TargetVersion, c.GetString(userIDContextKey), payload.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"config": record, "version": version})
}

func (h *httpHandler) handleValidate(c *gin.Context) {
	var payload writePayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	configID := payload.ConfigID
	if strings.TrimSpace(configID) == "" {
		configID = "validation-target"
	}
	key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(c.Param("type")), configID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	request := payload.toRequest(key, c.GetString(userIDContextKey))
	if len(request.Configuration) == 0 && payload.ConfigID != "" {
		// No payload given: re-validate the stored record instead.
		record, err := h.configs.Get(c.Request.Context(), key)
		if err != nil {
			h.respondError(c, err)
			return
		}
		request.Configuration = record.Configuration
		request.Region = record.Region
		request.TaxType = record.TaxType
	}

	result := h.configs.Validate(c.Request.Context(), request)
	c.JSON(http.StatusOK, result)
}

type bulkPayload struct {
	Items []bulkItem `json:"items"`
}

type bulkItem struct {
	ConfigType string `json:"configType"`
	writePayload
}

func (h *httpHandler) handleBulkUpdate(c *gin.Context) {
	var payload bulkPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	updatedBy := c.GetString(userIDContextKey)
	requests := make([]dynconfig.WriteRequest, 0, len(payload.Items))
	results := make([]dynconfig.BulkItemResult, 0, len(payload.Items))
	for _, item := range payload.Items {
		key, err := dynconfig.NewConfigKey(dynconfig.ConfigType(item.ConfigType), item.ConfigID)
		if err != nil {
			results = append(results, dynconfig.BulkItemResult{
				ConfigType: dynconfig.ConfigType(item.ConfigType),
				ConfigID:   item.ConfigID,
				Error:      err.Error(),
			})
			continue
		}
		requests = append(requests, item.toRequest(key, updatedBy))
	}

	results = append(results, h.configs.BulkUpdate(c.Request.Context(), requests)...)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func (h *httpHandler) handleExport(c *gin.Context) {
	bundle, err := h.configs.Export(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bundle)
}

func (h *httpHandler) handleImport(c *gin.Context) {
	var request dynconfig.ImportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	report := h.configs.Import(c.Request.Context(), request, c.GetString(userIDContextKey))
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	stats, err := h.configs.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *httpHandler) handleRealtimeStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.gateway.Stats())
}

func (h *httpHandler) respondError(c *gin.Context, err error) {
	var validationErr *dynconfig.ValidationError
	if errors.As(err, &validationErr) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "details": validationErr.Errors})
		return
	}
	var notFoundErr *dynconfig.NotFoundError
	if errors.As(err, &notFoundErr) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	var conflictErr *dynconfig.ConflictError
	if errors.As(err, &conflictErr) {
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "details": conflictErr.Reason})
		return
	}
	var authzErr *realtime.AuthorizationError
	if errors.As(err, &authzErr) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	h.logger.Error("request failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
}
