package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/insurapolis/backend/internal/auth"
	"github.com/insurapolis/backend/internal/chat"
	"github.com/insurapolis/backend/internal/repository"
	"github.com/insurapolis/backend/internal/retriever"
	"github.com/labstack/echo/v4"
)

// DocumentRetriever is the retrieval surface the chat handler depends on.
type DocumentRetriever interface {
	RetrievePackageInfo(ctx context.Context, question string, filter retriever.Filter, topK int) (string, []int64, error)
	RetrieveGeneralConditions(ctx context.Context) (string, error)
}

// ChatHandler runs the retrieval-and-context-assembly pipeline for one turn.
type ChatHandler struct {
	store      repository.Querier
	retriever  DocumentRetriever
	invoker    chat.Invoker
	topK       int
	languageID int
	logger     *slog.Logger
}

// NewChatHandler creates a new instance of the ChatHandler.
func NewChatHandler(store repository.Querier, ret DocumentRetriever, invoker chat.Invoker, topK, languageID int, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		store:      store,
		retriever:  ret,
		invoker:    invoker,
		topK:       topK,
		languageID: languageID,
		logger:     logger.With("component", "chat_handler"),
	}
}

// RegisterRoutes attaches the chat route to the authenticated group.
func (h *ChatHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/chat", h.HandleChat)
}

type ChatRequest struct {
	Question         string `json:"question"`
	ConversationUUID string `json:"conversation_uuid"`
}

type ChatResponse struct {
	Question    string        `json:"question"`
	Response    string        `json:"response"`
	ChatHistory []MessageDict `json:"chat_history"`
	TotalTokens int           `json:"total_tokens"`
	TotalCost   float64       `json:"total_cost"`
}

// MessageDict is the wire shape of one history entry, kept compatible with
// the clients that already consume this API.
type MessageDict struct {
	Type string          `json:"type"`
	Data MessageDictData `json:"data"`
}

type MessageDictData struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

func messageDicts(messages []repository.Message) []MessageDict {
	dicts := make([]MessageDict, 0, len(messages))
	for _, m := range messages {
		dicts = append(dicts, MessageDict{
			Type: m.Role,
			Data: MessageDictData{Type: m.Role, Content: m.Content},
		})
	}
	return dicts
}

// HandleChat processes one question in a conversation: ownership check,
// entitlement formatting, filtered retrieval, context assembly, a single
// model invocation, then persistence of both turns. A failed model call
// persists nothing.
func (h *ChatHandler) HandleChat(c echo.Context) error {
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

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body").SetInternal(err)
	}
	if req.Question == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "field 'question' is required")
	}
	convUUID, err := uuid.Parse(req.ConversationUUID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid conversation UUID format").SetInternal(err)
	}

	owns, err := h.store.UserOwnsConversation(ctx, userUUID, convUUID)
	if err != nil {
		reqLogger.ErrorContext(ctx, "failed to check conversation ownership", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to verify conversation access").SetInternal(err)
	}
	if !owns {
		return echo.NewHTTPError(http.StatusForbidden, "User does not have the rights to access this conversation")
	}

	entitlements, err := h.store.UserPackages(ctx, claims.Subject, h.languageID)
	if err != nil {
		reqLogger.ErrorContext(ctx, "failed to load user packages", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load policy data").SetInternal(err)
	}
	packageIDs, deductibleText, sumInsuredText := chat.FormatPackages(entitlements)

	history, err := h.store.ListMessages(ctx, convUUID)
	if err != nil {
		reqLogger.ErrorContext(ctx, "failed to load conversation history", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to load conversation history").SetInternal(err)
	}

	filter := retriever.FilterForPackages(packageIDs)
	packageText, documentIDs, err := h.retriever.RetrievePackageInfo(ctx, req.Question, filter, h.topK)
	if err != nil {
		reqLogger.ErrorContext(ctx, "package document retrieval failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve policy documents").SetInternal(err)
	}
	generalText, err := h.retriever.RetrieveGeneralConditions(ctx)
	if err != nil {
		reqLogger.ErrorContext(ctx, "general conditions retrieval failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve policy documents").SetInternal(err)
	}
	reqLogger.DebugContext(ctx, "retrieved policy context",
		"package_ids", packageIDs, "document_ids", documentIDs)

	completion, err := h.invoker.Invoke(ctx, chat.PromptInput{
		Question:       req.Question,
		DeductibleText: deductibleText,
		SumInsuredText: sumInsuredText,
		Context:        chat.AssembleContext(packageText, generalText),
		History:        chat.HistoryWindow(history),
	})
	if err != nil {
		reqLogger.ErrorContext(ctx, "model invocation failed", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Language model is unavailable").SetInternal(err)
	}

	if err := h.store.AppendMessage(ctx, convUUID, repository.RoleHuman, req.Question, int32(completion.PromptTokens), completion.Cost); err != nil {
		reqLogger.ErrorContext(ctx, "failed to persist user message", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to persist conversation turn").SetInternal(err)
	}
	if err := h.store.AppendMessage(ctx, convUUID, repository.RoleAI, completion.Answer, int32(completion.CompletionTokens), completion.Cost); err != nil {
		reqLogger.ErrorContext(ctx, "failed to persist model answer", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to persist conversation turn").SetInternal(err)
	}

	reqLogger.InfoContext(ctx, "chat turn complete",
		"conversation_uuid", convUUID,
		"total_tokens", completion.TotalTokens(),
	)

	// chat_history reflects the conversation as it stood before this turn.
	return c.JSON(http.StatusOK, ChatResponse{
		Question:    req.Question,
		Response:    completion.Answer,
		ChatHistory: messageDicts(history),
		TotalTokens: completion.TotalTokens(),
		TotalCost:   completion.Cost.InexactFloat64(),
	})
}
