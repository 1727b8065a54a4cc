package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/corvalhq/corval/internal/knowledge"
	"github.com/corvalhq/corval/internal/models"
	"github.com/corvalhq/corval/internal/services"
	apperrors "github.com/corvalhq/corval/pkg/errors"
	"github.com/corvalhq/corval/pkg/logger"
)

var (
	// ErrConversationNotFound is returned when a conversation does not exist
	// or belongs to another user or organization.
	ErrConversationNotFound = apperrors.New("CONVERSATION_NOT_FOUND", "Conversation not found", http.StatusNotFound)
	// ErrConversationArchived is returned when a message is sent to an
	// archived thread.
	ErrConversationArchived = apperrors.New("CONVERSATION_ARCHIVED", "Conversation is archived", http.StatusConflict)
)

// Notifier pushes realtime payloads to a connected user. The websocket hub
// satisfies it.
type Notifier interface {
	NotifyUser(organizationID, userID, topic string, payload map[string]any)
}

// ServiceConfig tunes prompt assembly.
type ServiceConfig struct {
	// HistoryLimit is how many prior turns ride along with each question.
	HistoryLimit int
	// SystemPreamble is the standing instruction prepended to every request.
	SystemPreamble string
	// MaxTokens caps the completion length when the caller does not.
	MaxTokens int
	// Temperature is the default sampling temperature.
	Temperature float32
}

const defaultPreamble = "You are the workspace assistant. Answer from the numbered context snippets " +
	"when they are relevant and cite them as [n]. If the context does not cover the question, say so " +
	"instead of guessing."

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if strings.TrimSpace(c.SystemPreamble) == "" {
		c.SystemPreamble = defaultPreamble
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 1024
	}
	if c.Temperature <= 0 {
		c.Temperature = 0.2
	}
	return c
}

// Service answers questions over the organization's knowledge base and owns
// the conversation history around them.
type Service struct {
	db        *gorm.DB
	gateway   *Gateway
	retriever *Retriever
	resolver  *knowledge.Resolver
	audit     *services.AuditService
	notifier  Notifier
	cfg       ServiceConfig
	log       *zap.Logger
}

// NewService builds the assistant service. Audit logging is optional.
func NewService(db *gorm.DB, gateway *Gateway, retriever *Retriever, resolver *knowledge.Resolver, audit *services.AuditService, cfg ServiceConfig) (*Service, error) {
	if db == nil {
		return nil, errors.New("assist service: database is required")
	}
	if gateway == nil {
		return nil, errors.New("assist service: gateway is required")
	}
	if retriever == nil {
		return nil, errors.New("assist service: retriever is required")
	}
	if resolver == nil {
		return nil, errors.New("assist service: access resolver is required")
	}
	return &Service{
		db:        db,
		gateway:   gateway,
		retriever: retriever,
		resolver:  resolver,
		audit:     audit,
		cfg:       cfg.withDefaults(),
		log:       logger.WithModule("assist.service"),
	}, nil
}

// SetNotifier attaches the realtime hub once it exists. Safe to leave unset.
func (s *Service) SetNotifier(n Notifier) {
	s.notifier = n
}

// AskInput is one user question. An empty ConversationID starts a new thread.
type AskInput struct {
	OrganizationID string
	UserID         string
	ConversationID string
	Question       string
	MaxTokens      int
	Temperature    float32
}

// AskResult bundles the persisted exchange with the snippets that grounded it.
type AskResult struct {
	Conversation *models.Conversation
	Question     *models.ChatMessage
	Answer       *models.ChatMessage
	Snippets     []Snippet
}

// Ask answers a question with permission-scoped retrieval context and
// persists both sides of the exchange.
func (s *Service) Ask(ctx context.Context, input AskInput) (*AskResult, error) {
	return s.ask(ctx, input, nil)
}

// AskStream is Ask with completion deltas forwarded to fn as they arrive.
// The exchange is persisted after the stream completes.
func (s *Service) AskStream(ctx context.Context, input AskInput, fn func(Delta) error) (*AskResult, error) {
	if fn == nil {
		return nil, errors.New("assist service: stream callback is required")
	}
	return s.ask(ctx, input, fn)
}

func (s *Service) ask(ctx context.Context, input AskInput, fn func(Delta) error) (*AskResult, error) {
	ctx = ensureContext(ctx)

	question := strings.TrimSpace(input.Question)
	if input.OrganizationID == "" || input.UserID == "" {
		return nil, apperrors.NewBadRequest("organization and user are required")
	}
	if question == "" {
		return nil, apperrors.NewBadRequest("question must not be empty")
	}

	actor, err := s.resolver.ResolveActor(ctx, input.UserID, input.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("assist service: resolve actor: %w", err)
	}

	conv, err := s.loadOrCreateConversation(ctx, input, question)
	if err != nil {
		return nil, err
	}

	snippets, err := s.retriever.Retrieve(ctx, actor, question)
	if err != nil {
		// A broken index should not silence the assistant entirely.
		s.log.Warn("retrieval failed, answering without context",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
		snippets = nil
	}

	history, err := s.historyTail(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("assist service: load history: %w", err)
	}

	req := ChatRequest{
		OrganizationID: input.OrganizationID,
		UserID:         input.UserID,
		ConversationID: conv.ID,
		Messages:       append(history, Message{Role: RoleUser, Content: question}),
		Context:        snippets,
		MaxTokens:      input.MaxTokens,
		Temperature:    input.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = s.cfg.MaxTokens
	}
	if req.Temperature <= 0 {
		req.Temperature = s.cfg.Temperature
	}

	var result *ChatResult
	if fn != nil {
		result, err = s.gateway.StreamComplete(ctx, req, fn)
	} else {
		result, err = s.gateway.Complete(ctx, req)
	}
	if err != nil {
		s.recordFailure(ctx, conv, question, err)
		s.auditAsk(ctx, input, conv.ID, "", "failure")
		return nil, err
	}

	exchange, err := s.persistExchange(ctx, conv, question, snippets, result)
	if err != nil {
		return nil, err
	}

	s.auditAsk(ctx, input, conv.ID, result.Provider, "success")
	if s.notifier != nil {
		s.notifier.NotifyUser(input.OrganizationID, input.UserID, "assist.answer", map[string]any{
			"conversation_id": conv.ID,
			"message_id":      exchange.Answer.ID,
			"request_id":      result.RequestID,
		})
	}

	exchange.Snippets = snippets
	return exchange, nil
}

func (s *Service) loadOrCreateConversation(ctx context.Context, input AskInput, question string) (*models.Conversation, error) {
	if input.ConversationID != "" {
		conv, err := s.GetConversation(ctx, input.OrganizationID, input.UserID, input.ConversationID)
		if err != nil {
			return nil, err
		}
		if conv.Status == models.ConversationArchived {
			return nil, ErrConversationArchived
		}
		return conv, nil
	}

	conv := &models.Conversation{
		OrganizationID: input.OrganizationID,
		UserID:         input.UserID,
		Title:          deriveTitle(question),
		Status:         models.ConversationActive,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, fmt.Errorf("assist service: create conversation: %w", err)
	}
	return conv, nil
}

// historyTail returns the last HistoryLimit clean turns in chronological
// order, ready to precede the next question.
func (s *Service) historyTail(ctx context.Context, conversationID string) ([]Message, error) {
	var rows []models.ChatMessage
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND error_code = ''", conversationID).
		Order("created_at DESC, id DESC").
		Limit(s.cfg.HistoryLimit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	history := make([]Message, 0, len(rows)+1)
	history = append(history, Message{Role: RoleSystem, Content: s.cfg.SystemPreamble})
	for i := len(rows) - 1; i >= 0; i-- {
		history = append(history, Message{Role: string(rows[i].Role), Content: rows[i].Content})
	}
	return history, nil
}

func (s *Service) persistExchange(ctx context.Context, conv *models.Conversation, question string, snippets []Snippet, result *ChatResult) (*AskResult, error) {
	citations := make([]models.Citation, 0, len(snippets))
	for _, sn := range snippets {
		citations = append(citations, models.Citation{
			DocumentID: sn.DocumentID,
			Title:      sn.Title,
			ChunkSeq:   sn.ChunkSeq,
			Score:      sn.Score,
		})
	}
	var citationsJSON []byte
	if len(citations) > 0 {
		encoded, err := json.Marshal(citations)
		if err != nil {
			return nil, fmt.Errorf("assist service: encode citations: %w", err)
		}
		citationsJSON = encoded
	}

	userMsg := &models.ChatMessage{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        question,
		RequestID:      result.RequestID,
	}
	answerMsg := &models.ChatMessage{
		ConversationID:   conv.ID,
		Role:             models.RoleAssistant,
		Content:          result.Content,
		Citations:        citationsJSON,
		RequestID:        result.RequestID,
		Provider:         result.Provider,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	}

	now := time.Now().UTC()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(userMsg).Error; err != nil {
			return fmt.Errorf("persist question: %w", err)
		}
		if err := tx.Create(answerMsg).Error; err != nil {
			return fmt.Errorf("persist answer: %w", err)
		}

		updates := map[string]any{"last_message_at": now}
		if result.Model != "" && result.Model != conv.Model {
			updates["model"] = result.Model
		}
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conv.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("assist service: persist exchange: %w", err)
	}

	conv.LastMessageAt = &now
	if result.Model != "" {
		conv.Model = result.Model
	}

	return &AskResult{Conversation: conv, Question: userMsg, Answer: answerMsg}, nil
}

// recordFailure keeps the thread honest about attempts that produced no
// answer. Failures to write the failure row are only logged.
func (s *Service) recordFailure(ctx context.Context, conv *models.Conversation, question string, cause error) {
	code := "ASSIST_FAILED"
	var appErr *apperrors.AppError
	if errors.As(cause, &appErr) {
		code = appErr.Code
	}

	userMsg := &models.ChatMessage{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        question,
		ErrorCode:      code,
	}
	if err := s.db.WithContext(ctx).Create(userMsg).Error; err != nil {
		s.log.Warn("failed to record unanswered question",
			zap.String("conversation_id", conv.ID),
			zap.Error(err))
	}
}

func (s *Service) auditAsk(ctx context.Context, input AskInput, conversationID, provider, result string) {
	if s.audit == nil {
		return
	}
	entry := services.AuditEntry{
		OrganizationID: &input.OrganizationID,
		UserID:         &input.UserID,
		Action:         "assist.ask",
		Resource:       "conversation:" + conversationID,
		Result:         result,
		Metadata:       map[string]any{"provider": provider},
	}
	if err := s.audit.Log(ctx, entry); err != nil {
		s.log.Warn("failed to write assist audit entry", zap.Error(err))
	}
}

// ConversationListOptions filters a user's conversation listing. AllUsers
// widens the listing to the whole organization; the handler only sets it
// for callers holding assist.configure.
type ConversationListOptions struct {
	Page     int
	PageSize int
	Status   models.ConversationStatus
	AllUsers bool
}

// ListConversations returns the caller's threads, most recent first, or
// every thread in the organization when AllUsers is set.
func (s *Service) ListConversations(ctx context.Context, organizationID, userID string, opts ConversationListOptions) ([]models.Conversation, int64, error) {
	ctx = ensureContext(ctx)
	if organizationID == "" || userID == "" {
		return nil, 0, apperrors.NewBadRequest("organization and user are required")
	}

	page, pageSize := clampPage(opts.Page, opts.PageSize)
	query := s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("organization_id = ?", organizationID)
	if !opts.AllUsers {
		query = query.Where("user_id = ?", userID)
	}
	if opts.Status != "" {
		query = query.Where("status = ?", opts.Status)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("assist service: count conversations: %w", err)
	}

	var conversations []models.Conversation
	err := query.
		Order("last_message_at DESC, created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&conversations).Error
	if err != nil {
		return nil, 0, fmt.Errorf("assist service: list conversations: %w", err)
	}
	return conversations, total, nil
}

// GetConversation fetches one of the caller's threads.
func (s *Service) GetConversation(ctx context.Context, organizationID, userID, id string) (*models.Conversation, error) {
	ctx = ensureContext(ctx)

	var conv models.Conversation
	err := s.db.WithContext(ctx).
		Where("id = ? AND organization_id = ? AND user_id = ?", id, organizationID, userID).
		First(&conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("assist service: get conversation: %w", err)
	}
	return &conv, nil
}

// ListMessages pages through a thread oldest first.
func (s *Service) ListMessages(ctx context.Context, organizationID, userID, conversationID string, page, pageSize int) ([]models.ChatMessage, int64, error) {
	ctx = ensureContext(ctx)

	if _, err := s.GetConversation(ctx, organizationID, userID, conversationID); err != nil {
		return nil, 0, err
	}

	page, pageSize = clampPage(page, pageSize)
	query := s.db.WithContext(ctx).Model(&models.ChatMessage{}).
		Where("conversation_id = ?", conversationID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("assist service: count messages: %w", err)
	}

	var messages []models.ChatMessage
	err := query.
		Order("created_at ASC, id ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&messages).Error
	if err != nil {
		return nil, 0, fmt.Errorf("assist service: list messages: %w", err)
	}
	return messages, total, nil
}

// ArchiveConversation closes a thread to further questions.
func (s *Service) ArchiveConversation(ctx context.Context, organizationID, userID, id string) (*models.Conversation, error) {
	ctx = ensureContext(ctx)

	conv, err := s.GetConversation(ctx, organizationID, userID, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == models.ConversationArchived {
		return conv, nil
	}

	err = s.db.WithContext(ctx).Model(conv).Update("status", models.ConversationArchived).Error
	if err != nil {
		return nil, fmt.Errorf("assist service: archive conversation: %w", err)
	}
	conv.Status = models.ConversationArchived
	return conv, nil
}

// DeleteConversation removes a thread and its messages.
func (s *Service) DeleteConversation(ctx context.Context, organizationID, userID, id string) error {
	ctx = ensureContext(ctx)

	conv, err := s.GetConversation(ctx, organizationID, userID, id)
	if err != nil {
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", conv.ID).Delete(&models.ChatMessage{}).Error; err != nil {
			return fmt.Errorf("delete messages: %w", err)
		}
		if err := tx.Delete(&models.Conversation{}, "id = ?", conv.ID).Error; err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("assist service: delete conversation %s: %w", conv.ID, err)
	}
	return nil
}

func deriveTitle(question string) string {
	title := strings.Join(strings.Fields(question), " ")
	runes := []rune(title)
	if len(runes) > 80 {
		title = strings.TrimSpace(string(runes[:77])) + "..."
	}
	return title
}

func clampPage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}
	return page, pageSize
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
