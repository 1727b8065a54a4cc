package assist

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
)

type notifyCall struct {
	orgID   string
	userID  string
	topic   string
	payload map[string]any
}

type notifierCapture struct {
	mu    sync.Mutex
	calls []notifyCall
}

func (n *notifierCapture) NotifyUser(orgID, userID, topic string, payload map[string]any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, notifyCall{orgID: orgID, userID: userID, topic: topic, payload: payload})
}

func (n *notifierCapture) recorded() []notifyCall {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifyCall, len(n.calls))
	copy(out, n.calls)
	return out
}

func newTestAssistService(t *testing.T, db *gorm.DB, owner *models.User, provider Provider, usage UsageRecorder) *Service {
	t.Helper()

	resolver := newTestResolver(t, db, grantChecker{owner.ID: {"document.view"}})
	retriever, err := NewRetriever(db, nil, resolver, RetrieverConfig{})
	require.NoError(t, err)

	gw, err := NewGateway([]Provider{provider}, usage, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewService(db, gw, retriever, resolver, audit, ServiceConfig{HistoryLimit: 4})
	require.NoError(t, err)
	return svc
}

func TestAssistServiceAskPersistsExchange(t *testing.T) {
	db, org := openAssistTestDB(t)
	ctx := context.Background()

	owner := newAssistTestUser(t, db, org.ID, "owner")

	embedder := &topicEmbedder{topics: []string{"expense", "travel"}}
	ksvc, err := knowledge.NewService(db, embedder, nil, knowledge.Config{})
	require.NoError(t, err)

	doc, err := ksvc.Ingest(ctx, knowledge.IngestInput{
		OrganizationID: org.ID,
		OwnerUserID:    owner.ID,
		Title:          "Expense Policy",
		Content:        "Each expense report needs a receipt. File the expense within thirty days.",
		Visibility:     models.VisibilityOrg,
	})
	require.NoError(t, err)

	resolver := newTestResolver(t, db, grantChecker{owner.ID: {"document.view"}})
	retriever, err := NewRetriever(db, embedder, resolver, RetrieverConfig{TopK: 3, MinScore: 0.2})
	require.NoError(t, err)

	provider := &scriptedProvider{name: "fake", chat: func(int) (*ChatResult, error) {
		return &ChatResult{Model: "fake-1", Content: "File it with a receipt [1].", PromptTokens: 30, CompletionTokens: 7}, nil
	}}
	usage := &usageCapture{}
	gw, err := NewGateway([]Provider{provider}, usage, GatewayConfig{Retry: fastRetry()})
	require.NoError(t, err)

	audit, err := services.NewAuditService(db)
	require.NoError(t, err)

	svc, err := NewService(db, gw, retriever, resolver, audit, ServiceConfig{HistoryLimit: 4})
	require.NoError(t, err)

	notifier := &notifierCapture{}
	svc.SetNotifier(notifier)

	result, err := svc.Ask(ctx, AskInput{
		OrganizationID: org.ID,
		UserID:         owner.ID,
		Question:       "How do I file an expense report?",
	})
	require.NoError(t, err)

	require.NotEmpty(t, result.Conversation.ID)
	require.Equal(t, "How do I file an expense report?", result.Conversation.Title)
	require.Equal(t, "fake-1", result.Conversation.Model)
	require.NotNil(t, result.Conversation.LastMessageAt)

	require.Equal(t, models.RoleUser, result.Question.Role)
	require.Equal(t, "How do I file an expense report?", result.Question.Content)
	require.Equal(t, models.RoleAssistant, result.Answer.Role)
	require.Equal(t, "File it with a receipt [1].", result.Answer.Content)
	require.Equal(t, "fake", result.Answer.Provider)
	require.Equal(t, int64(30), result.Answer.PromptTokens)
	require.Equal(t, int64(7), result.Answer.CompletionTokens)
	require.NotEmpty(t, result.Answer.RequestID)
	require.Equal(t, result.Question.RequestID, result.Answer.RequestID)

	require.Len(t, result.Snippets, 1)
	require.Equal(t, doc.ID, result.Snippets[0].DocumentID)

	var citations []models.Citation
	require.NoError(t, json.Unmarshal(result.Answer.Citations, &citations))
	require.Len(t, citations, 1)
	require.Equal(t, doc.ID, citations[0].DocumentID)
	require.Equal(t, "Expense Policy", citations[0].Title)

	// Prompt assembly: the preamble leads, the question closes, and the
	// retrieved snippet rides in the request context.
	req := provider.lastRequest()
	require.Len(t, req.Messages, 2)
	require.Equal(t, RoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "workspace assistant")
	require.Equal(t, RoleUser, req.Messages[1].Role)
	require.Len(t, req.Context, 1)
	require.Equal(t, 1024, req.MaxTokens)
	require.InDelta(t, 0.2, req.Temperature, 0.001)

	rows := usage.recorded()
	require.Len(t, rows, 1)
	require.Equal(t, org.ID, rows[0].OrganizationID)
	require.Equal(t, owner.ID, rows[0].UserID)
	require.Equal(t, result.Conversation.ID, rows[0].ConversationID)
	require.Equal(t, "success", rows[0].Outcome)

	var auditCount int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("action = ? AND result = ?", "assist.ask", "success").
		Count(&auditCount).Error)
	require.Equal(t, int64(1), auditCount)

	calls := notifier.recorded()
	require.Len(t, calls, 1)
	require.Equal(t, owner.ID, calls[0].userID)
	require.Equal(t, "assist.answer", calls[0].topic)
	require.Equal(t, result.Conversation.ID, calls[0].payload["conversation_id"])

	// The follow-up carries the recorded history in order.
	followUp, err := svc.Ask(ctx, AskInput{
		OrganizationID: org.ID,
		UserID:         owner.ID,
		ConversationID: result.Conversation.ID,
		Question:       "What is the receipt limit?",
	})
	require.NoError(t, err)
	require.Equal(t, result.Conversation.ID, followUp.Conversation.ID)

	req = provider.lastRequest()
	require.Len(t, req.Messages, 4)
	require.Equal(t, "How do I file an expense report?", req.Messages[1].Content)
	require.Equal(t, RoleAssistant, req.Messages[2].Role)
	require.Equal(t, "File it with a receipt [1].", req.Messages[2].Content)
	require.Equal(t, "What is the receipt limit?", req.Messages[3].Content)

	messages, total, err := svc.ListMessages(ctx, org.ID, owner.ID, result.Conversation.ID, 1, 50)
	require.NoError(t, err)
	require.Equal(t, int64(4), total)
	require.Len(t, messages, 4)
	require.Equal(t, models.RoleUser, messages[0].Role)
	require.Equal(t, models.RoleAssistant, messages[1].Role)
}

func TestAssistServiceAskFailureKeepsQuestion(t *testing.T) {
	db, org := openAssistTestDB(t)
	ctx := context.Background()

	owner := newAssistTestUser(t, db, org.ID, "owner")

	provider := &scriptedProvider{name: "fake", chat: func(call int) (*ChatResult, error) {
		if call == 1 {
			return nil, &RequestError{Provider: "fake", Status: 400, Message: "invalid"}
		}
		return &ChatResult{Model: "fake-1", Content: "recovered answer"}, nil
	}}
	usage := &usageCapture{}
	svc := newTestAssistService(t, db, owner, provider, usage)

	result, err := svc.Ask(ctx, AskInput{
		OrganizationID: org.ID,
		UserID:         owner.ID,
		Question:       "Will this work?",
	})
	require.ErrorIs(t, err, ErrProviderUnavailable)
	require.Nil(t, result)

	var conv models.Conversation
	require.NoError(t, db.Where("user_id = ?", owner.ID).First(&conv).Error)
	require.Nil(t, conv.LastMessageAt)

	var failed []models.ChatMessage
	require.NoError(t, db.Where("conversation_id = ?", conv.ID).Find(&failed).Error)
	require.Len(t, failed, 1)
	require.Equal(t, models.RoleUser, failed[0].Role)
	require.Equal(t, "ASSIST_PROVIDER_UNAVAILABLE", failed[0].ErrorCode)

	var auditCount int64
	require.NoError(t, db.Model(&models.AuditLog{}).
		Where("action = ? AND result = ?", "assist.ask", "failure").
		Count(&auditCount).Error)
	require.Equal(t, int64(1), auditCount)

	// The errored turn stays out of later prompts.
	followUp, err := svc.Ask(ctx, AskInput{
		OrganizationID: org.ID,
		UserID:         owner.ID,
		ConversationID: conv.ID,
		Question:       "Second try.",
	})
	require.NoError(t, err)
	require.Equal(t, "recovered answer", followUp.Answer.Content)

	req := provider.lastRequest()
	require.Len(t, req.Messages, 2)
	require.Equal(t, RoleSystem, req.Messages[0].Role)
	require.Equal(t, "Second try.", req.Messages[1].Content)
}

func TestAssistServiceAskStreamPersistsFullAnswer(t *testing.T) {
	db, org := openAssistTestDB(t)
	ctx := context.Background()

	owner := newAssistTestUser(t, db, org.ID, "owner")

	provider := &scriptedProvider{name: "fake", stream: func(_ int, fn func(Delta) error) error {
		if err := fn(Delta{Content: "The "}); err != nil {
			return err
		}
		if err := fn(Delta{Content: "answer"}); err != nil {
			return err
		}
		return fn(Delta{Done: true, PromptTokens: 9, CompletionTokens: 2})
	}}
	usage := &usageCapture{}
	svc := newTestAssistService(t, db, owner, provider, usage)

	var parts []string
	result, err := svc.AskStream(ctx, AskInput{
		OrganizationID: org.ID,
		UserID:         owner.ID,
		Question:       "Stream it please",
	}, func(d Delta) error {
		if !d.Done {
			parts = append(parts, d.Content)
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"The ", "answer"}, parts)
	require.Equal(t, "The answer", result.Answer.Content)
	require.Equal(t, int64(9), result.Answer.PromptTokens)
	require.Equal(t, int64(2), result.Answer.CompletionTokens)

	var stored models.ChatMessage
	require.NoError(t, db.Where("conversation_id = ? AND role = ?", result.Conversation.ID, models.RoleAssistant).First(&stored).Error)
	require.Equal(t, "The answer", stored.Content)

	_, err = svc.AskStream(ctx, AskInput{OrganizationID: org.ID, UserID: owner.ID, Question: "x"}, nil)
	require.Error(t, err)
}

func TestAssistServiceConversationLifecycle(t *testing.T) {
	db, org := openAssistTestDB(t)
	ctx := context.Background()

	owner := newAssistTestUser(t, db, org.ID, "owner")
	other := newAssistTestUser(t, db, org.ID, "other")

	provider := &scriptedProvider{name: "fake", chat: func(int) (*ChatResult, error) {
		return &ChatResult{Model: "fake-1", Content: "noted"}, nil
	}}
	svc := newTestAssistService(t, db, owner, provider, &usageCapture{})

	first, err := svc.Ask(ctx, AskInput{OrganizationID: org.ID, UserID: owner.ID, Question: "First thread"})
	require.NoError(t, err)
	second, err := svc.Ask(ctx, AskInput{OrganizationID: org.ID, UserID: owner.ID, Question: "Second thread"})
	require.NoError(t, err)

	conversations, total, err := svc.ListConversations(ctx, org.ID, owner.ID, ConversationListOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	ids := []string{conversations[0].ID, conversations[1].ID}
	require.ElementsMatch(t, []string{first.Conversation.ID, second.Conversation.ID}, ids)

	// Threads are private to their owner.
	_, total, err = svc.ListConversations(ctx, org.ID, other.ID, ConversationListOptions{})
	require.NoError(t, err)
	require.Zero(t, total)

	// The org-wide listing crosses owners.
	all, total, err := svc.ListConversations(ctx, org.ID, other.ID, ConversationListOptions{AllUsers: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), total)
	require.Len(t, all, 2)

	_, err = svc.GetConversation(ctx, org.ID, other.ID, first.Conversation.ID)
	require.ErrorIs(t, err, ErrConversationNotFound)

	_, _, err = svc.ListMessages(ctx, org.ID, other.ID, first.Conversation.ID, 1, 10)
	require.ErrorIs(t, err, ErrConversationNotFound)

	archived, err := svc.ArchiveConversation(ctx, org.ID, owner.ID, first.Conversation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ConversationArchived, archived.Status)

	// Archiving twice is fine, asking into the archive is not.
	_, err = svc.ArchiveConversation(ctx, org.ID, owner.ID, first.Conversation.ID)
	require.NoError(t, err)

	before := provider.chatCalls()
	_, err = svc.Ask(ctx, AskInput{
		OrganizationID: org.ID,
		UserID:         owner.ID,
		ConversationID: first.Conversation.ID,
		Question:       "Anyone home?",
	})
	require.ErrorIs(t, err, ErrConversationArchived)
	require.Equal(t, before, provider.chatCalls())

	active, total, err := svc.ListConversations(ctx, org.ID, owner.ID, ConversationListOptions{Status: models.ConversationActive})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	require.Equal(t, second.Conversation.ID, active[0].ID)

	require.NoError(t, svc.DeleteConversation(ctx, org.ID, owner.ID, first.Conversation.ID))
	_, err = svc.GetConversation(ctx, org.ID, owner.ID, first.Conversation.ID)
	require.ErrorIs(t, err, ErrConversationNotFound)

	var orphaned int64
	require.NoError(t, db.Model(&models.ChatMessage{}).
		Where("conversation_id = ?", first.Conversation.ID).
		Count(&orphaned).Error)
	require.Zero(t, orphaned)

	err = svc.DeleteConversation(ctx, org.ID, owner.ID, first.Conversation.ID)
	require.ErrorIs(t, err, ErrConversationNotFound)

	// Input validation.
	_, err = svc.Ask(ctx, AskInput{OrganizationID: org.ID, UserID: owner.ID, Question: "   "})
	require.Error(t, err)
	_, err = svc.Ask(ctx, AskInput{UserID: owner.ID, Question: "no org"})
	require.Error(t, err)
}

func TestDeriveTitle(t *testing.T) {
	require.Equal(t, "Short question", deriveTitle("  Short   question  "))

	long := strings.Repeat("expense ", 20)
	title := deriveTitle(long)
	require.LessOrEqual(t, len([]rune(title)), 80)
	require.True(t, strings.HasSuffix(title, "..."))
}
