// Package chat runs one chat turn end to end: catalog lookup, entitlement,
// conversation resolution, the per-conversation lease, the assistant
// exchange and the fallback reply when the exchange fails.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/internal/assistant"
	"github.com/neuroialab/neuroia/internal/entitlement"
	"github.com/neuroialab/neuroia/internal/lock"
	"github.com/neuroialab/neuroia/internal/metrics"
	"github.com/neuroialab/neuroia/internal/store"
)

var (
	ErrEmptyMessage         = errors.New("message is empty")
	ErrAssistantNotFound    = errors.New("assistant not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrInstitutionNotFound  = errors.New("institution not found")
	ErrConversationBusy     = errors.New("conversation busy")
)

// FilePrompt stands in for the text of a turn that only carries files.
const FilePrompt = "Analise o(s) arquivo(s) anexado(s)."

// DeniedError carries an entitlement denial to the HTTP layer.
type DeniedError struct {
	Decision entitlement.Decision
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("access to assistant %s denied: %s", e.Decision.AssistantID, e.Decision.Reason)
}

// Store is the persistence the service needs.
type Store interface {
	GetAssistant(ctx context.Context, id string) (store.Assistant, bool, error)
	GetInstitutionBySlug(ctx context.Context, slug string) (store.Institution, bool, error)
	InstitutionAssistantEnabled(ctx context.Context, institutionID, assistantID string) (bool, error)
	CreateConversation(ctx context.Context, c store.Conversation) (store.Conversation, error)
	GetConversation(ctx context.Context, id, userID string) (store.Conversation, bool, error)
	TouchConversation(ctx context.Context, id string) error
	CreateMessage(ctx context.Context, m *store.Message) error
	SaveFile(ctx context.Context, f *store.FileRecord) error
}

// Entitlements decides access.
type Entitlements interface {
	Check(ctx context.Context, userID, assistantID string) (entitlement.Decision, error)
	CheckInstitution(ctx context.Context, userID, institutionID, assistantID string) (entitlement.Decision, error)
}

// Responder produces the assistant reply for a turn.
type Responder interface {
	Reply(ctx context.Context, turn assistant.Turn) (*assistant.Reply, error)
}

// Request is one user message.
type Request struct {
	UserID         string
	AssistantID    string
	ConversationID string
	// InstitutionSlug routes the turn through institutional entitlement.
	InstitutionSlug string
	Message         string
	Attachments     []store.Attachment
}

// Result is what a turn produced. ErrorCode is set when Reply holds a
// fallback instead of a real answer.
type Result struct {
	Conversation store.Conversation
	UserMessage  store.Message
	Reply        store.Message
	Files        []store.Attachment
	Decision     entitlement.Decision
	ErrorCode    string
}

const (
	titleMaxRunes   = 60
	defaultLeaseTTL = 90 * time.Second
)

type Service struct {
	store     Store
	checker   Entitlements
	responder Responder
	locker    lock.Locker
	leaseTTL  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

func WithLeaseTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

func NewService(st Store, checker Entitlements, responder Responder, locker lock.Locker, opts ...Option) *Service {
	if locker == nil {
		locker = lock.NewLocal()
	}
	s := &Service{
		store:     st,
		checker:   checker,
		responder: responder,
		locker:    locker,
		leaseTTL:  defaultLeaseTTL,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send runs a chat turn. Orchestration failures do not surface as errors:
// the result carries a persisted fallback reply and ErrorCode instead.
func (s *Service) Send(ctx context.Context, req Request) (*Result, error) {
	req.Message = strings.TrimSpace(req.Message)
	req.Attachments = withFileIDs(req.Attachments)
	if req.Message == "" {
		if len(req.Attachments) == 0 {
			return nil, ErrEmptyMessage
		}
		req.Message = FilePrompt
	}

	asst, ok, err := s.store.GetAssistant(ctx, req.AssistantID)
	if err != nil {
		return nil, fmt.Errorf("load assistant: %w", err)
	}
	if !ok || !asst.IsActive {
		return nil, ErrAssistantNotFound
	}

	var institutionID string
	if req.InstitutionSlug != "" {
		inst, ok, err := s.store.GetInstitutionBySlug(ctx, req.InstitutionSlug)
		if err != nil {
			return nil, fmt.Errorf("load institution: %w", err)
		}
		if !ok || !inst.IsActive {
			return nil, ErrInstitutionNotFound
		}
		enabled, err := s.store.InstitutionAssistantEnabled(ctx, inst.ID, asst.ID)
		if err != nil {
			return nil, fmt.Errorf("load institution catalog: %w", err)
		}
		if !enabled {
			return nil, ErrAssistantNotFound
		}
		institutionID = inst.ID
	}

	decision, err := s.decide(ctx, req.UserID, institutionID, asst.ID)
	if err != nil {
		return nil, err
	}
	if !decision.Granted {
		return nil, &DeniedError{Decision: decision}
	}

	conv, err := s.resolveConversation(ctx, req, asst.ID, institutionID)
	if err != nil {
		return nil, err
	}

	release, err := s.locker.Acquire(ctx, conv.ID, s.leaseTTL)
	if errors.Is(err, lock.ErrLeaseHeld) {
		s.metrics.LeaseConflict()
		return nil, ErrConversationBusy
	}
	if err != nil {
		return nil, fmt.Errorf("acquire conversation lease: %w", err)
	}
	// The exchange outlives a disconnected client; the lease goes with it.
	work := context.WithoutCancel(ctx)
	defer func() {
		if err := release(work); err != nil {
			s.logger.Warn("release conversation lease", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}()

	res := &Result{Conversation: conv, Decision: decision}
	if err := s.storeUserTurn(work, req, conv, res); err != nil {
		return nil, err
	}

	reply, err := s.responder.Reply(work, assistant.Turn{
		Conversation:      &res.Conversation,
		OpenAIAssistantID: asst.OpenAIAssistantID,
		UserID:            req.UserID,
		Content:           req.Message,
		Attachments:       req.Attachments,
	})
	if err != nil {
		res.ErrorCode = string(assistant.CategoryOf(err))
		res.Reply = s.storeFallback(work, conv.ID, assistant.CategoryOf(err))
	} else {
		res.Reply = reply.Message
		res.Files = reply.Files
	}

	if err := s.store.TouchConversation(work, conv.ID); err != nil {
		s.logger.Warn("touch conversation", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
	return res, nil
}

func (s *Service) decide(ctx context.Context, userID, institutionID, assistantID string) (entitlement.Decision, error) {
	var (
		d   entitlement.Decision
		err error
	)
	if institutionID != "" {
		d, err = s.checker.CheckInstitution(ctx, userID, institutionID, assistantID)
	} else {
		d, err = s.checker.Check(ctx, userID, assistantID)
	}
	if err != nil {
		return d, err
	}
	detail := string(d.Source)
	if !d.Granted {
		detail = string(d.Reason)
	}
	s.metrics.ObserveEntitlement(d.Granted, detail)
	return d, nil
}

func (s *Service) resolveConversation(ctx context.Context, req Request, assistantID, institutionID string) (store.Conversation, error) {
	if req.ConversationID == "" {
		conv, err := s.store.CreateConversation(ctx, store.Conversation{
			UserID:        req.UserID,
			AssistantID:   assistantID,
			InstitutionID: institutionID,
			Title:         Title(req.Message),
		})
		if err != nil {
			return store.Conversation{}, fmt.Errorf("create conversation: %w", err)
		}
		return conv, nil
	}
	conv, ok, err := s.store.GetConversation(ctx, req.ConversationID, req.UserID)
	if err != nil {
		return store.Conversation{}, fmt.Errorf("load conversation: %w", err)
	}
	if !ok || conv.AssistantID != assistantID || conv.InstitutionID != institutionID {
		return store.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

// withFileIDs drops attachments without a provider file id.
func withFileIDs(in []store.Attachment) []store.Attachment {
	out := make([]store.Attachment, 0, len(in))
	for _, a := range in {
		a.FileID = strings.TrimSpace(a.FileID)
		if a.FileID != "" {
			out = append(out, a)
		}
	}
	return out
}

func (s *Service) storeUserTurn(ctx context.Context, req Request, conv store.Conversation, res *Result) error {
	uploads := make([]store.Attachment, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		a.Direction = store.DirectionUpload
		uploads = append(uploads, a)
	}
	msg := store.Message{
		ConversationID: conv.ID,
		Role:           store.RoleUserMessage,
		Content:        req.Message,
		Attachments:    uploads,
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		return fmt.Errorf("store user message: %w", err)
	}
	for _, a := range uploads {
		rec := store.FileRecord{
			ConversationID: conv.ID,
			UserID:         req.UserID,
			OpenAIFileID:   a.FileID,
			Filename:       a.Filename,
			Bytes:          a.Bytes,
			Direction:      store.DirectionUpload,
		}
		if err := s.store.SaveFile(ctx, &rec); err != nil {
			s.logger.Warn("record uploaded file", zap.String("conversation_id", conv.ID), zap.String("file_id", a.FileID), zap.Error(err))
		}
	}
	res.UserMessage = msg
	return nil
}

// storeFallback persists the fallback reply. The returned message always
// carries content even when persistence fails.
func (s *Service) storeFallback(ctx context.Context, conversationID string, c assistant.Category) store.Message {
	msg := store.Message{
		ConversationID: conversationID,
		Role:           store.RoleAssistantMessage,
		Content:        assistant.FallbackMessage(c),
	}
	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		s.logger.Error("store fallback message",
			zap.String("conversation_id", conversationID),
			zap.String("error_category", string(c)),
			zap.Error(err))
		msg.CreatedAt = time.Now()
	}
	return msg
}

// Title derives a conversation title from the first message.
func Title(message string) string {
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		return "Nova conversa"
	}
	if utf8.RuneCountInString(message) <= titleMaxRunes {
		return message
	}
	r := []rune(message)
	return strings.TrimSpace(string(r[:titleMaxRunes])) + "…"
}
