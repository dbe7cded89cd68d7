package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const userIDContextKey = "cowrite_user_id"

const (
	anonymousUserIDPrefix    = "anon-"
	defaultAnonymousUserName = "Anonymous"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingUserRegistry   = errors.New("user registry dependency required")
	errMissingDocumentStore  = errors.New("document store dependency required")
	errMissingSessionManager = errors.New("session manager dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates the bearer tokens shared by the HTTP API
// and the sync transport.
type TokenManager interface {
	IssueToken(userID, displayName string) (string, int64, error)
	ValidateToken(tokenString string) (auth.CollabClaims, error)
}

// UserRegistry upserts user rows so ownership references stay valid.
type UserRegistry interface {
	EnsureUser(ctx context.Context, userID, displayName string) error
}

// SessionConnector admits sync connections.
type SessionConnector interface {
	Connect(ctx context.Context, credential string, documentID documents.DocumentID) (*session.Connection, error)
}

// Dependencies wires the HTTP surface to the rest of the server.
type Dependencies struct {
	TokenManager TokenManager
	Users        UserRegistry
	Documents    *documents.Store
	Sessions     SessionConnector
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router serving the token endpoint, the
// document CRUD API, and the websocket sync endpoint.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUserRegistry
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentStore
	}
	if deps.Sessions == nil {
		return nil, errMissingSessionManager
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
	router.Use(newRateLimiter(rateLimiterConfig{Logger: logger}).middleware())

	handler := &httpHandler{
		tokens:    deps.TokenManager,
		users:     deps.Users,
		documents: deps.Documents,
		sessions:  deps.Sessions,
		logger:    logger,
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/sync/:id", handler.handleSync)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents", handler.handleListDocuments)
	protected.POST("/documents", handler.handleCreateDocument)
	protected.GET("/documents/:id", handler.handleGetDocument)
	protected.PUT("/documents/:id", handler.handleRenameDocument)
	protected.DELETE("/documents/:id", handler.handleDeleteDocument)

	return router, nil
}

type httpHandler struct {
	tokens    TokenManager
	users     UserRegistry
	documents *documents.Store
	sessions  SessionConnector
	logger    *zap.Logger
}

type tokenRequestPayload struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

type tokenResponsePayload struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
	UserID    string `json:"user_id"`
}

// handleIssueToken upserts the user and issues the shared bearer token.
// Absent identifiers get a generated anonymous identity, matching the demo
// login flow the desktop shell uses.
func (h *httpHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequestPayload
	_ = c.ShouldBindJSON(&request)

	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		userID = anonymousUserIDPrefix + uuid.NewString()
	}
	displayName := strings.TrimSpace(request.Name)
	if displayName == "" {
		displayName = defaultAnonymousUserName
	}

	if err := h.users.EnsureUser(c.Request.Context(), userID, displayName); err != nil {
		h.logger.Error("failed to upsert user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "user_upsert_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(userID, displayName)
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		Token:     token,
		ExpiresIn: expiresIn,
		TokenType: "Bearer",
		UserID:    userID,
	})
}

type documentPayload struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	OwnerID          string `json:"owner_id"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	UpdatedAtSeconds int64  `json:"updated_at_s"`
}

func toDocumentPayload(document documents.Document) documentPayload {
	return documentPayload{
		ID:               document.ID,
		Title:            document.Title,
		OwnerID:          document.OwnerID,
		CreatedAtSeconds: document.CreatedAtSeconds,
		UpdatedAtSeconds: document.UpdatedAtSeconds,
	}
}

type listDocumentsResponse struct {
	Documents  []documentPayload `json:"documents"`
	NextCursor *int64            `json:"next_cursor"`
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := parsePositiveInt(raw); err == nil {
			limit = parsed
		}
	}
	cursor := int64(0)
	if raw := c.Query("cursor"); raw != "" {
		if parsed, err := parsePositiveInt64(raw); err == nil {
			cursor = parsed
		}
	}

	page, err := h.documents.List(c.Request.Context(), userID, limit, cursor)
	if err != nil {
		h.logger.Error("failed to list documents", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := listDocumentsResponse{
		Documents:  make([]documentPayload, 0, len(page.Documents)),
		NextCursor: page.NextCursor,
	}
	for _, document := range page.Documents {
		response.Documents = append(response.Documents, toDocumentPayload(document))
	}
	c.JSON(http.StatusOK, response)
}

type createDocumentRequest struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleCreateDocument(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}

	var request createDocumentRequest
	_ = c.ShouldBindJSON(&request)

	document, err := h.documents.Create(c.Request.Context(), userID, request.Title)
	if err != nil {
		h.logger.Error("failed to create document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create_failed"})
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(document))
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	documentID, ok := h.requestDocumentID(c)
	if !ok {
		return
	}

	access, err := h.documents.Access(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document access", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	if !access.Allows(userID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}

	document, err := h.documents.Get(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get_failed"})
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

type renameDocumentRequest struct {
	Title string `json:"title"`
}

func (h *httpHandler) handleRenameDocument(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	documentID, ok := h.requestDocumentID(c)
	if !ok {
		return
	}
	if !h.requireOwner(c, documentID, userID) {
		return
	}

	var request renameDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	document, err := h.documents.Rename(c.Request.Context(), documentID, request.Title)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to rename document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "rename_failed"})
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	userID, ok := h.requestUserID(c)
	if !ok {
		return
	}
	documentID, ok := h.requestDocumentID(c)
	if !ok {
		return
	}
	if !h.requireOwner(c, documentID, userID) {
		return
	}

	err := h.documents.Delete(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to delete document", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// requireOwner enforces owner-only operations (rename, delete). Collaborator
// access is read/edit only.
func (h *httpHandler) requireOwner(c *gin.Context, documentID documents.DocumentID, userID documents.UserID) bool {
	access, err := h.documents.Access(c.Request.Context(), documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return false
	}
	if err != nil {
		h.logger.Error("failed to load document access", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "access_failed"})
		return false
	}
	if access.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return false
	}
	return true
}

func (h *httpHandler) requestUserID(c *gin.Context) (documents.UserID, bool) {
	raw := c.GetString(userIDContextKey)
	userID, err := documents.NewUserID(raw)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func (h *httpHandler) requestDocumentID(c *gin.Context) (documents.DocumentID, bool) {
	documentID, err := documents.NewDocumentID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return "", false
	}
	return documentID, true
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	claims, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func parsePositiveInt(raw string) (int, error) {
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, strconv.ErrRange
	}
	return value, nil
}

func parsePositiveInt64(raw string) (int64, error) {
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	if value < 0 {
		return 0, strconv.ErrRange
	}
	return value, nil
}
