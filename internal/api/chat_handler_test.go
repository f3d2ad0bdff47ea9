package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/insurapolis/backend/internal/auth"
	"github.com/insurapolis/backend/internal/chat"
	"github.com/insurapolis/backend/internal/logger"
	"github.com/insurapolis/backend/internal/repository"
	"github.com/insurapolis/backend/internal/retriever"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testUserUUID = uuid.MustParse("b3b1f8a4-0db7-4c5e-a2fb-0ff6f8f3a111")
	testConvUUID = uuid.MustParse("7d444840-9dc0-11d1-b245-5ffdce74fad2")
)

type appendedMessage struct {
	ConversationUUID uuid.UUID
	Role             string
	Content          string
	Tokens           int32
	Cost             decimal.Decimal
}

// mockQuerier satisfies repository.Querier with canned data, recording
// every appended message so tests can assert on persistence.
type mockQuerier struct {
	repository.Querier
	owns          bool
	ownsErr       error
	packages      []repository.PackageEntitlement
	packagesErr   error
	messages      []repository.Message
	listErr       error
	nameExists    bool
	createErr     error
	renameErr     error
	deleteErr     error
	appendErr     error
	conversations []repository.ConversationSummary
	totalTokens   int64

	appended []appendedMessage
}

func (m *mockQuerier) UserOwnsConversation(ctx context.Context, userUUID, convUUID uuid.UUID) (bool, error) {
	return m.owns, m.ownsErr
}

func (m *mockQuerier) CreateConversation(ctx context.Context, userUUID, convUUID uuid.UUID, name string) error {
	return m.createErr
}

func (m *mockQuerier) ListConversations(ctx context.Context, userUUID uuid.UUID) ([]repository.ConversationSummary, error) {
	return m.conversations, nil
}

func (m *mockQuerier) ConversationNameExists(ctx context.Context, userUUID uuid.UUID, name string) (bool, error) {
	return m.nameExists, nil
}

func (m *mockQuerier) RenameConversation(ctx context.Context, convUUID uuid.UUID, name string) error {
	return m.renameErr
}

func (m *mockQuerier) DeleteConversation(ctx context.Context, convUUID uuid.UUID) error {
	return m.deleteErr
}

func (m *mockQuerier) AppendMessage(ctx context.Context, convUUID uuid.UUID, role, content string, tokens int32, cost decimal.Decimal) error {
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, appendedMessage{
		ConversationUUID: convUUID,
		Role:             role,
		Content:          content,
		Tokens:           tokens,
		Cost:             cost,
	})
	return nil
}

// ListMessages returns the seeded history plus anything appended since, in
// insertion order, matching how the store reads its own writes.
func (m *mockQuerier) ListMessages(ctx context.Context, convUUID uuid.UUID) ([]repository.Message, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	all := make([]repository.Message, 0, len(m.messages)+len(m.appended))
	all = append(all, m.messages...)
	for i, a := range m.appended {
		all = append(all, repository.Message{
			ID:               int64(len(m.messages) + i + 1),
			ConversationUUID: a.ConversationUUID,
			Role:             a.Role,
			Content:          a.Content,
			Tokens:           a.Tokens,
			Cost:             a.Cost,
		})
	}
	return all, nil
}

func (m *mockQuerier) UserPackages(ctx context.Context, userSub string, languageID int) ([]repository.PackageEntitlement, error) {
	return m.packages, m.packagesErr
}

func (m *mockQuerier) TotalTokensForUser(ctx context.Context, userUUID uuid.UUID) (int64, error) {
	return m.totalTokens, nil
}

type fakeRetriever struct {
	packageText string
	documentIDs []int64
	generalText string
	packageErr  error
	generalErr  error

	gotQuestion string
	gotFilter   retriever.Filter
	gotTopK     int
}

func (f *fakeRetriever) RetrievePackageInfo(ctx context.Context, question string, filter retriever.Filter, topK int) (string, []int64, error) {
	f.gotQuestion = question
	f.gotFilter = filter
	f.gotTopK = topK
	if f.packageErr != nil {
		return "", nil, f.packageErr
	}
	return f.packageText, f.documentIDs, nil
}

func (f *fakeRetriever) RetrieveGeneralConditions(ctx context.Context) (string, error) {
	return f.generalText, f.generalErr
}

type fakeInvoker struct {
	completion chat.Completion
	err        error

	calls    int
	gotInput chat.PromptInput
}

func (f *fakeInvoker) Invoke(ctx context.Context, input chat.PromptInput) (chat.Completion, error) {
	f.calls++
	f.gotInput = input
	if f.err != nil {
		return chat.Completion{}, f.err
	}
	return f.completion, nil
}

func newTestContext(t *testing.T, method, target, body string) (echo.Context, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	auth.SetClaims(c, &auth.Claims{
		Email: "user@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: testUserUUID.String(),
		},
	})
	return c, rec
}

func requireHTTPError(t *testing.T, err error, status int) *echo.HTTPError {
	t.Helper()
	require.Error(t, err)
	httpErr, ok := err.(*echo.HTTPError)
	require.True(t, ok, "expected *echo.HTTPError, got %T", err)
	require.Equal(t, status, httpErr.Code)
	return httpErr
}

func TestHandleChat(t *testing.T) {
	store := &mockQuerier{
		owns: true,
		packages: []repository.PackageEntitlement{
			{PackageID: 5, Name: "Travel", Deductible: 100, SumInsured: 5000},
			{PackageID: 7, Name: "Household", Deductible: 200, SumInsured: 10000},
		},
		messages: []repository.Message{
			{ID: 1, Role: repository.RoleAI, Content: "Bienvenu chez Insurapolis, comment puis-je vous aider ?"},
		},
	}
	ret := &fakeRetriever{
		packageText: "travel coverage clause",
		documentIDs: []int64{11, 12},
		generalText: "\ngeneral conditions clause",
	}
	invoker := &fakeInvoker{
		completion: chat.Completion{
			Answer:           "Oui, vous êtes couvert.",
			PromptTokens:     800,
			CompletionTokens: 200,
			Cost:             decimal.RequireFromString("0.0015"),
		},
	}
	h := NewChatHandler(store, ret, invoker, 3, 2, logger.L())

	body := `{"question": "Suis-je couvert à l'étranger ?", "conversation_uuid": "` + testConvUUID.String() + `"}`
	c, rec := newTestContext(t, http.MethodPost, "/chat", body)

	require.NoError(t, h.HandleChat(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "Suis-je couvert à l'étranger ?", resp.Question)
	assert.Equal(t, "Oui, vous êtes couvert.", resp.Response)
	assert.Equal(t, 1000, resp.TotalTokens)
	assert.InDelta(t, 0.0015, resp.TotalCost, 1e-9)

	// The returned history is the conversation before this turn.
	require.Len(t, resp.ChatHistory, 1)
	assert.Equal(t, repository.RoleAI, resp.ChatHistory[0].Type)
	assert.Equal(t, "Bienvenu chez Insurapolis, comment puis-je vous aider ?", resp.ChatHistory[0].Data.Content)

	// Retrieval was filtered by the user's entitled packages.
	assert.Equal(t, []int32{5, 7}, ret.gotFilter.PackageIDs())
	assert.Equal(t, 3, ret.gotTopK)

	// The prompt carried the formatted amounts and the assembled context.
	assert.Equal(t, "Travel: 100,\nHousehold: 200,\n", invoker.gotInput.DeductibleText)
	assert.Equal(t, "Travel: 5000,\nHousehold: 10000,\n", invoker.gotInput.SumInsuredText)
	assert.Equal(t, chat.AssembleContext("travel coverage clause", "\ngeneral conditions clause"), invoker.gotInput.Context)
	require.Len(t, invoker.gotInput.History, 1)

	// Both turns were persisted with the turn's cost.
	require.Len(t, store.appended, 2)
	assert.Equal(t, repository.RoleHuman, store.appended[0].Role)
	assert.Equal(t, "Suis-je couvert à l'étranger ?", store.appended[0].Content)
	assert.Equal(t, int32(800), store.appended[0].Tokens)
	assert.Equal(t, repository.RoleAI, store.appended[1].Role)
	assert.Equal(t, "Oui, vous êtes couvert.", store.appended[1].Content)
	assert.Equal(t, int32(200), store.appended[1].Tokens)
	assert.True(t, store.appended[0].Cost.Equal(store.appended[1].Cost))

	// One question, one model call.
	assert.Equal(t, 1, invoker.calls)

	// The stored conversation grew from one message to three.
	after, err := store.ListMessages(context.Background(), testConvUUID)
	require.NoError(t, err)
	assert.Len(t, after, 3)
}

func TestHandleChatNoEntitlements(t *testing.T) {
	store := &mockQuerier{owns: true}
	ret := &fakeRetriever{generalText: "\ngeneral conditions clause"}
	invoker := &fakeInvoker{completion: chat.Completion{Answer: "réponse"}}
	h := NewChatHandler(store, ret, invoker, 3, 2, logger.L())

	body := `{"question": "question", "conversation_uuid": "` + testConvUUID.String() + `"}`
	c, _ := newTestContext(t, http.MethodPost, "/chat", body)

	require.NoError(t, h.HandleChat(c))

	// No packages means an empty filter and no package text in the context.
	assert.True(t, ret.gotFilter.Empty())
	assert.Equal(t, "", invoker.gotInput.DeductibleText)
	assert.Equal(t, chat.AssembleContext("", "\ngeneral conditions clause"), invoker.gotInput.Context)
}

func TestHandleChatFailedInvocationPersistsNothing(t *testing.T) {
	store := &mockQuerier{
		owns:     true,
		messages: []repository.Message{{ID: 1, Role: repository.RoleAI, Content: "welcome"}},
	}
	ret := &fakeRetriever{}
	invoker := &fakeInvoker{err: context.DeadlineExceeded}
	h := NewChatHandler(store, ret, invoker, 3, 2, logger.L())

	body := `{"question": "question", "conversation_uuid": "` + testConvUUID.String() + `"}`
	c, _ := newTestContext(t, http.MethodPost, "/chat", body)

	err := h.HandleChat(c)
	httpErr := requireHTTPError(t, err, http.StatusInternalServerError)
	assert.Contains(t, httpErr.Message, "Language model is unavailable")
	assert.Empty(t, store.appended)
}

func TestHandleChatRejections(t *testing.T) {
	testCases := []struct {
		name            string
		body            string
		store           *mockQuerier
		expectedStatus  int
		messageContains string
	}{
		{
			name:            "Conversation Owned By Someone Else",
			body:            `{"question": "q", "conversation_uuid": "` + testConvUUID.String() + `"}`,
			store:           &mockQuerier{owns: false},
			expectedStatus:  http.StatusForbidden,
			messageContains: "User does not have the rights to access this conversation",
		},
		{
			name:            "Missing Question",
			body:            `{"conversation_uuid": "` + testConvUUID.String() + `"}`,
			store:           &mockQuerier{owns: true},
			expectedStatus:  http.StatusBadRequest,
			messageContains: "question",
		},
		{
			name:            "Malformed Conversation UUID",
			body:            `{"question": "q", "conversation_uuid": "not-a-uuid"}`,
			store:           &mockQuerier{owns: true},
			expectedStatus:  http.StatusBadRequest,
			messageContains: "Invalid conversation UUID",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			invoker := &fakeInvoker{}
			h := NewChatHandler(tc.store, &fakeRetriever{}, invoker, 3, 2, logger.L())
			c, _ := newTestContext(t, http.MethodPost, "/chat", tc.body)

			err := h.HandleChat(c)
			httpErr := requireHTTPError(t, err, tc.expectedStatus)
			assert.Contains(t, httpErr.Message, tc.messageContains)
			assert.Equal(t, 0, invoker.calls)
			assert.Empty(t, tc.store.appended)
		})
	}
}

func TestHandleChatWithoutClaims(t *testing.T) {
	h := NewChatHandler(&mockQuerier{}, &fakeRetriever{}, &fakeInvoker{}, 3, 2, logger.L())

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	c := e.NewContext(req, httptest.NewRecorder())

	requireHTTPError(t, h.HandleChat(c), http.StatusUnauthorized)
}

func TestHandleChatRetrievalFailure(t *testing.T) {
	store := &mockQuerier{
		owns:     true,
		packages: []repository.PackageEntitlement{{PackageID: 5, Name: "Travel"}},
	}
	ret := &fakeRetriever{packageErr: context.DeadlineExceeded}
	h := NewChatHandler(store, ret, &fakeInvoker{}, 3, 2, logger.L())

	body := `{"question": "q", "conversation_uuid": "` + testConvUUID.String() + `"}`
	c, _ := newTestContext(t, http.MethodPost, "/chat", body)

	httpErr := requireHTTPError(t, h.HandleChat(c), http.StatusInternalServerError)
	assert.Contains(t, httpErr.Message, "Failed to retrieve policy documents")
}
