package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/insurapolis/backend/internal/auth"
	"github.com/insurapolis/backend/internal/repository"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
)

// Every new conversation opens with this AI greeting.
const (
	welcomeMessage       = "Bienvenu chez Insurapolis, comment puis-je vous aider ?"
	welcomeMessageTokens = 12
)

// ConversationHandler serves the conversation CRUD and accounting routes.
type ConversationHandler struct {
	store  repository.Querier
	logger *slog.Logger
}

// NewConversationHandler creates a new instance of the ConversationHandler.
func NewConversationHandler(store repository.Querier, logger *slog.Logger) *ConversationHandler {
	return &ConversationHandler{
		store:  store,
		logger: logger.With("component", "conversation_handler"),
	}
}

// RegisterRoutes attaches the conversation routes to the authenticated group.
func (h *ConversationHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/conversation", h.HandleCreateConversation)
	g.GET("/conversations", h.HandleListConversations)
	g.GET("/conversation/:uuid", h.HandleGetConversation)
	g.PUT("/conversation/:uuid", h.HandleRenameConversation)
	g.DELETE("/conversation/:uuid", h.HandleDeleteConversation)
	g.POST("/get-user-tokens", h.HandleGetUserTokens)
}

type CreateConversationResponse struct {
	UserEmail        string        `json:"user_email"`
	ConversationUUID string        `json:"conversation_uuid"`
	ConversationName string        `json:"conversation_name"`
	ChatHistory      []MessageDict `json:"chat_history"`
}

// HandleCreateConversation creates an empty conversation with a
// timestamp-based name and seeds the welcome message.
func (h *ConversationHandler) HandleCreateConversation(c echo.Context) error {
	ctx := c.Request().Context()
	reqLogger := h.logger.With("request_id", c.Get("requestID"))

	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication")
	}
	userUUID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid subject claim").SetInternal(err)
	}

	convUUID := uuid.New()
	convName := "conv_" + time.Now().Format("20060102_150405")

	if err := h.store.CreateConversation(ctx, userUUID, convUUID, convName); err != nil {
		reqLogger.ErrorContext(ctx, "failed to create conversation", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "Could not create conversation").SetInternal(err)
	}
	if err := h.store.AppendMessage(ctx, convUUID, repository.RoleAI, welcomeMessage, welcomeMessageTokens, decimal.Zero); err != nil {
		reqLogger.ErrorContext(ctx, "failed to seed welcome message", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "Could not create conversation").SetInternal(err)
	}

	messages, err := h.store.ListMessages(ctx, convUUID)
	if err != nil {
		reqLogger.ErrorContext(ctx, "failed to load seeded conversation", "error", err)
		return echo.NewHTTPError(http.StatusBadRequest, "Could not create conversation").SetInternal(err)
	}

	reqLogger.InfoContext(ctx, "conversation created", "conversation_uuid", convUUID, "name", convName)
	return c.JSON(http.StatusOK, CreateConversationResponse{
		UserEmail:        claims.Email,
		ConversationUUID: convUUID.String(),
		ConversationName: convName,
		ChatHistory:      messageDicts(messages),
	})
}

type ConversationListEntry struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type ListConversationsResponse struct {
	UserEmail     string                  `json:"user_email"`
	Conversations []ConversationListEntry `json:"conversations"`
}

func (h *ConversationHandler) HandleListConversations(c echo.Context) error {
	ctx := c.Request().Context()

	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication")
	}
	userUUID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid subject claim").SetInternal(err)
	}

	conversations, err := h.store.ListConversations(ctx, userUUID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list conversations", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to list conversations").SetInternal(err)
	}

	entries := make([]ConversationListEntry, 0, len(conversations))
	for _, conv := range conversations {
		entries = append(entries, ConversationListEntry{UUID: conv.UUID.String(), Name: conv.Name})
	}
	return c.JSON(http.StatusOK, ListConversationsResponse{
		UserEmail:     claims.Email,
		Conversations: entries,
	})
}

// HandleGetConversation returns the full ordered message history, provided
// the requesting user owns the conversation.
func (h *ConversationHandler) HandleGetConversation(c echo.Context) error {
	ctx := c.Request().Context()

	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication")
	}
	userUUID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid subject claim").SetInternal(err)
	}
	convUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid conversation UUID format").SetInternal(err)
	}

	owns, err := h.store.UserOwnsConversation(ctx, userUUID, convUUID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to check conversation ownership", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify conversation access").SetInternal(err)
	}
	if !owns {
		return echo.NewHTTPError(http.StatusForbidden, "User does not have the rights to access this conversation")
	}

	messages, err := h.store.ListMessages(ctx, convUUID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to load conversation messages", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load conversation").SetInternal(err)
	}
	if len(messages) == 0 {
		return echo.NewHTTPError(http.StatusNotFound, "Conversation not found")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"conversation": messageDicts(messages),
	})
}

type RenameConversationRequest struct {
	Name string `json:"name"`
}

// HandleRenameConversation updates a conversation's display name. The
// uniqueness check is per user and runs before the write, so collisions
// surface as a clear 400 rather than a store-level constraint violation.
func (h *ConversationHandler) HandleRenameConversation(c echo.Context) error {
	ctx := c.Request().Context()

	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication")
	}
	userUUID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid subject claim").SetInternal(err)
	}
	convUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid conversation UUID format").SetInternal(err)
	}

	var req RenameConversationRequest
	if err := c.Bind(&req); err != nil || req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body: name is required")
	}

	owns, err := h.store.UserOwnsConversation(ctx, userUUID, convUUID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to check conversation ownership", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify conversation access").SetInternal(err)
	}
	if !owns {
		return echo.NewHTTPError(http.StatusForbidden, "User does not have the rights to access this conversation")
	}

	exists, err := h.store.ConversationNameExists(ctx, userUUID, req.Name)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to check conversation name", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify conversation name").SetInternal(err)
	}
	if exists {
		return echo.NewHTTPError(http.StatusBadRequest, "Conversation name already exists")
	}

	if err := h.store.RenameConversation(ctx, convUUID, req.Name); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Conversation not found")
		}
		h.logger.ErrorContext(ctx, "failed to rename conversation", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to rename conversation").SetInternal(err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": "Conversation name updated successfully",
	})
}

// HandleDeleteConversation removes a conversation and all of its messages.
func (h *ConversationHandler) HandleDeleteConversation(c echo.Context) error {
	ctx := c.Request().Context()

	convUUID, err := uuid.Parse(c.Param("uuid"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid conversation UUID format").SetInternal(err)
	}

	if err := h.store.DeleteConversation(ctx, convUUID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Conversation not found")
		}
		h.logger.ErrorContext(ctx, "failed to delete conversation", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete conversation").SetInternal(err)
	}

	return c.JSON(http.StatusOK, map[string]string{
		"message": "Conversation deleted successfully",
	})
}

type UserTokensResponse struct {
	Tokens   int64  `json:"tokens"`
	UserUUID string `json:"user_uuid"`
}

// HandleGetUserTokens sums the tokens consumed across all of the user's
// conversations; zero when the user has none.
func (h *ConversationHandler) HandleGetUserTokens(c echo.Context) error {
	ctx := c.Request().Context()

	claims, ok := auth.ClaimsFrom(c)
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "Missing authentication")
	}
	userUUID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid subject claim").SetInternal(err)
	}

	tokens, err := h.store.TotalTokensForUser(ctx, userUUID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to sum user tokens", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to compute token usage").SetInternal(err)
	}

	return c.JSON(http.StatusOK, UserTokensResponse{
		Tokens:   tokens,
		UserUUID: userUUID.String(),
	})
}
