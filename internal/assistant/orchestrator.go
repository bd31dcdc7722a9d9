// Package assistant drives one exchange with the remote Assistants API:
// thread resolution, message post, run start, bounded polling and reply
// materialisation.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/config"
	"github.com/neuroialab/neuroia/internal/metrics"
	"github.com/neuroialab/neuroia/internal/store"
)

// Store is the persistence the orchestrator writes to.
type Store interface {
	UpdateConversationThread(ctx context.Context, id, threadID string) error
	CreateMessage(ctx context.Context, m *store.Message) error
	SaveFile(ctx context.Context, f *store.FileRecord) error
}

// Turn is one user message headed for an assistant.
type Turn struct {
	// Conversation.ThreadID is replaced in place when a new thread is created.
	Conversation      *store.Conversation
	OpenAIAssistantID string
	UserID            string
	Content           string
	Attachments       []store.Attachment
}

// Reply is a materialised assistant answer.
type Reply struct {
	Message  store.Message
	Files    []store.Attachment
	ThreadID string
	RunID    string
	Polls    int
	Elapsed  time.Duration
}

type Orchestrator struct {
	client  Client
	store   Store
	cfg     config.OrchestratorConfig
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
	sleep   func(context.Context, time.Duration) error

	apiKeyPresent bool
	apiKeyLength  int
}

type Option func(*Orchestrator)

func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock replaces the wall clock and the poll sleep.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// WithAPIKeyInfo records whether a key is configured and its length for
// failure logs. The key itself is never retained.
func WithAPIKeyInfo(key string) Option {
	return func(o *Orchestrator) {
		o.apiKeyPresent = key != ""
		o.apiKeyLength = len(key)
	}
}

func New(client Client, st Store, cfg config.OrchestratorConfig, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client: client,
		store:  st,
		cfg:    cfg.Normalize(),
		logger: zap.NewNop(),
		tracer: otel.Tracer("neuroia/assistant"),
		now:    time.Now,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Reply runs a full exchange for turn. Every failure is an
// *OrchestrationError.
func (o *Orchestrator) Reply(ctx context.Context, turn Turn) (*Reply, error) {
	if turn.Conversation == nil {
		return nil, &OrchestrationError{Category: CategoryUnknown, Stage: StageThread, Err: errors.New("nil conversation")}
	}
	if turn.OpenAIAssistantID == "" {
		return nil, &OrchestrationError{Category: CategoryAssistantConfig, Stage: StageRun, Err: errors.New("assistant has no provider id")}
	}

	ctx, span := o.tracer.Start(ctx, "assistant.reply", trace.WithAttributes(
		attribute.String("conversation_id", turn.Conversation.ID),
		attribute.String("assistant_id", turn.Conversation.AssistantID),
	))
	defer span.End()

	start := o.now()
	reply, polls, err := o.exchange(ctx, turn)
	elapsed := o.now().Sub(start)

	if err != nil {
		oe := Classify(StageRun, err)
		o.metrics.ObserveRun(string(oe.Category), elapsed, polls)
		span.RecordError(oe)
		span.SetStatus(codes.Error, string(oe.Category))
		o.logger.Error("assistant exchange failed",
			zap.String("error_category", oe.LogCategory()),
			zap.String("category", string(oe.Category)),
			zap.String("stage", string(oe.Stage)),
			zap.String("conversation_id", turn.Conversation.ID),
			zap.String("assistant_id", turn.Conversation.AssistantID),
			zap.String("thread_id", turn.Conversation.ThreadID),
			zap.String("run_id", oe.RunID),
			zap.Bool("api_key_present", o.apiKeyPresent),
			zap.Int("api_key_length", o.apiKeyLength),
			zap.Int("polls", polls),
			zap.Duration("elapsed", elapsed),
			zap.Error(oe.Err),
		)
		return nil, oe
	}

	reply.Polls = polls
	reply.Elapsed = elapsed
	o.metrics.ObserveRun(string(RunCompleted), elapsed, polls)
	span.SetAttributes(attribute.String("run_id", reply.RunID), attribute.Int("polls", polls))
	o.logger.Info("assistant exchange completed",
		zap.String("conversation_id", turn.Conversation.ID),
		zap.String("thread_id", reply.ThreadID),
		zap.String("run_id", reply.RunID),
		zap.Int("polls", polls),
		zap.Int("files", len(reply.Files)),
		zap.Duration("elapsed", elapsed),
	)
	return reply, nil
}

func (o *Orchestrator) exchange(ctx context.Context, turn Turn) (*Reply, int, error) {
	threadID, err := o.resolveThread(ctx, turn.Conversation)
	if err != nil {
		return nil, -1, err
	}

	if _, err := o.client.CreateMessage(ctx, threadID, messageRequest(turn)); err != nil {
		return nil, -1, Classify(StageMessage, err)
	}

	run, err := o.client.CreateRun(ctx, threadID, openai.RunRequest{
		AssistantID:         turn.OpenAIAssistantID,
		MaxCompletionTokens: o.cfg.MaxCompletionTokens,
		Metadata: map[string]any{
			"conversation_id": turn.Conversation.ID,
			"user_id":         turn.UserID,
			"timestamp":       o.now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return nil, -1, Classify(StageRun, err)
	}
	if run.ID == "" {
		return nil, -1, &OrchestrationError{Category: CategoryProviderFailed, Stage: StageRun, Err: errors.New("run created without id")}
	}

	run, polls, err := o.waitForRun(ctx, threadID, run.ID)
	if err != nil {
		return nil, polls, err
	}
	if !stateOf(run).Succeeded() {
		return nil, polls, runFailure(run)
	}

	reply, err := o.materialize(ctx, turn, threadID, run.ID)
	if err != nil {
		return nil, polls, err
	}
	return reply, polls, nil
}

// resolveThread returns a usable thread id, creating and persisting a new
// thread when the conversation holds none or a placeholder.
func (o *Orchestrator) resolveThread(ctx context.Context, conv *store.Conversation) (string, error) {
	if !IsPlaceholderThreadID(conv.ThreadID) {
		return conv.ThreadID, nil
	}
	thread, err := o.client.CreateThread(ctx, openai.ThreadRequest{
		Metadata: map[string]any{"conversation_id": conv.ID},
	})
	if err != nil {
		return "", Classify(StageThread, err)
	}
	if IsPlaceholderThreadID(thread.ID) {
		return "", &OrchestrationError{Category: CategoryProviderFailed, Stage: StageThread, Err: fmt.Errorf("provider returned unusable thread id %q", thread.ID)}
	}
	if err := o.store.UpdateConversationThread(ctx, conv.ID, thread.ID); err != nil {
		return "", &OrchestrationError{Category: CategoryUnknown, Stage: StageThread, Err: fmt.Errorf("persist thread: %w", err)}
	}
	if conv.ThreadID != "" {
		o.logger.Warn("replaced placeholder thread id",
			zap.String("conversation_id", conv.ID),
			zap.String("old_thread_id", conv.ThreadID),
			zap.String("thread_id", thread.ID))
	}
	conv.ThreadID = thread.ID
	o.metrics.ThreadCreated()
	return thread.ID, nil
}

func messageRequest(turn Turn) openai.MessageRequest {
	req := openai.MessageRequest{Role: store.RoleUserMessage, Content: turn.Content}
	for _, a := range turn.Attachments {
		if a.FileID == "" {
			continue
		}
		req.Attachments = append(req.Attachments, openai.ThreadAttachment{
			FileID: a.FileID,
			Tools:  []openai.ThreadAttachmentTool{{Type: "file_search"}},
		})
	}
	return req
}

// waitForRun fetches the run once, then polls until it is terminal. Polling
// stops after MaxAttempts polls or MaxWait elapsed, whichever comes first.
// The returned count excludes the initial fetch.
func (o *Orchestrator) waitForRun(ctx context.Context, threadID, runID string) (openai.Run, int, error) {
	start := o.now()
	run, err := o.client.RetrieveRun(ctx, threadID, runID)
	if err != nil {
		oe := Classify(StagePoll, err)
		oe.RunID = runID
		return run, 0, oe
	}

	polls := 0
	for !stateOf(run).IsTerminal() {
		if polls >= o.cfg.MaxAttempts || o.now().Sub(start) >= o.cfg.MaxWait {
			return run, polls, &OrchestrationError{
				Category: CategoryTimeout,
				Stage:    StagePoll,
				RunID:    runID,
				Err:      fmt.Errorf("run still %s after %d polls", stateOf(run), polls),
			}
		}
		polls++
		if err := o.sleep(ctx, o.pollDelay(polls)); err != nil {
			return run, polls, &OrchestrationError{Category: CategoryTimeout, Stage: StagePoll, RunID: runID, Err: err}
		}
		run, err = o.client.RetrieveRun(ctx, threadID, runID)
		if err != nil {
			oe := Classify(StagePoll, err)
			oe.RunID = runID
			return run, polls, oe
		}
	}
	return run, polls, nil
}

// pollDelay grows linearly from BaseDelay by DelayStep up to MaxDelay.
func (o *Orchestrator) pollDelay(attempt int) time.Duration {
	d := o.cfg.BaseDelay + time.Duration(attempt-1)*o.cfg.DelayStep
	if d > o.cfg.MaxDelay {
		return o.cfg.MaxDelay
	}
	return d
}
