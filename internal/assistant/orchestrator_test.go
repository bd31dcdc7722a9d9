package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroialab/neuroia/config"
	"github.com/neuroialab/neuroia/internal/store"
)

type fakeClient struct {
	mu sync.Mutex

	clock *fakeClock
	// retrieveCost is added to the clock on every RetrieveRun.
	retrieveCost time.Duration

	threadID    string
	threadErr   error
	threadCalls int

	messageReqs []openai.MessageRequest
	messageErr  error

	runID   string
	runErr  error
	runReqs []openai.RunRequest

	statuses      []openai.RunStatus
	lastError     *openai.RunLastError
	retrieveCalls int
	retrieveErr   error

	listed      openai.MessagesList
	listErr     error
	listCalls   int
	listedRunID string

	files map[string]openai.File
}

func (f *fakeClient) CreateThread(ctx context.Context, req openai.ThreadRequest) (openai.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.threadCalls++
	if f.threadErr != nil {
		return openai.Thread{}, f.threadErr
	}
	return openai.Thread{ID: f.threadID}, nil
}

func (f *fakeClient) CreateMessage(ctx context.Context, threadID string, req openai.MessageRequest) (openai.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messageReqs = append(f.messageReqs, req)
	if f.messageErr != nil {
		return openai.Message{}, f.messageErr
	}
	return openai.Message{ID: "msg_user", ThreadID: threadID, Role: "user"}, nil
}

func (f *fakeClient) CreateRun(ctx context.Context, threadID string, req openai.RunRequest) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runReqs = append(f.runReqs, req)
	if f.runErr != nil {
		return openai.Run{}, f.runErr
	}
	return openai.Run{ID: f.runID, ThreadID: threadID, Status: openai.RunStatusQueued}, nil
}

func (f *fakeClient) RetrieveRun(ctx context.Context, threadID, runID string) (openai.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.retrieveCalls
	f.retrieveCalls++
	if f.clock != nil {
		f.clock.advance(f.retrieveCost)
	}
	if f.retrieveErr != nil {
		return openai.Run{}, f.retrieveErr
	}
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	run := openai.Run{ID: runID, ThreadID: threadID, Status: f.statuses[i]}
	if run.Status == openai.RunStatusFailed {
		run.LastError = f.lastError
	}
	return run, nil
}

func (f *fakeClient) ListMessage(ctx context.Context, threadID string, limit *int, order *string, after *string, before *string, runID *string) (openai.MessagesList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if runID != nil {
		f.listedRunID = *runID
	}
	return f.listed, f.listErr
}

func (f *fakeClient) GetFile(ctx context.Context, fileID string) (openai.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[fileID]
	if !ok {
		return openai.File{}, &openai.APIError{HTTPStatusCode: 404, Message: "No such File object"}
	}
	return file, nil
}

type fakeStore struct {
	threads   map[string]string
	threadErr error
	messages  []store.Message
	files     []store.FileRecord
}

func newFakeStore() *fakeStore { return &fakeStore{threads: map[string]string{}} }

func (s *fakeStore) UpdateConversationThread(ctx context.Context, id, threadID string) error {
	if s.threadErr != nil {
		return s.threadErr
	}
	s.threads[id] = threadID
	return nil
}

func (s *fakeStore) CreateMessage(ctx context.Context, m *store.Message) error {
	m.ID = "m-" + m.Role
	m.CreatedAt = time.Now()
	s.messages = append(s.messages, *m)
	return nil
}

func (s *fakeStore) SaveFile(ctx context.Context, f *store.FileRecord) error {
	s.files = append(s.files, *f)
	return nil
}

type fakeClock struct {
	mu     sync.Mutex
	t      time.Time
	delays []time.Duration
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.delays = append(c.delays, d)
	c.mu.Unlock()
	c.advance(d)
	return ctx.Err()
}

func assistantText(runID, text string, annotations ...any) openai.Message {
	id := runID
	return openai.Message{
		ID:    "msg_" + runID,
		Role:  "assistant",
		RunID: &id,
		Content: []openai.MessageContent{{
			Type: "text",
			Text: &openai.MessageText{Value: text, Annotations: annotations},
		}},
	}
}

func newTestOrchestrator(client *fakeClient, st *fakeStore) (*Orchestrator, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	client.clock = clock
	o := New(client, st, config.OrchestratorConfig{}, WithClock(clock.now, clock.sleep), WithAPIKeyInfo("sk-test"))
	return o, clock
}

func newConversation(threadID string) *store.Conversation {
	return &store.Conversation{ID: "conv-1", UserID: "user-1", AssistantID: "asst-row-1", ThreadID: threadID}
}

func TestReplyCreatesThreadAndPersistsReply(t *testing.T) {
	client := &fakeClient{
		threadID: "thread_abc",
		runID:    "run_1",
		statuses: []openai.RunStatus{openai.RunStatusQueued, openai.RunStatusInProgress, openai.RunStatusCompleted},
		listed:   openai.MessagesList{Messages: []openai.Message{assistantText("run_1", "Olá! Como posso ajudar?")}},
	}
	st := newFakeStore()
	o, clock := newTestOrchestrator(client, st)

	conv := newConversation("")
	reply, err := o.Reply(context.Background(), Turn{
		Conversation:      conv,
		OpenAIAssistantID: "asst_openai_1",
		UserID:            "user-1",
		Content:           "olá",
	})
	require.NoError(t, err)

	assert.Equal(t, "thread_abc", conv.ThreadID)
	assert.Equal(t, "thread_abc", st.threads["conv-1"])
	assert.Equal(t, "Olá! Como posso ajudar?", reply.Message.Content)
	assert.Equal(t, "run_1", reply.RunID)
	assert.Equal(t, 2, reply.Polls)
	assert.Equal(t, []time.Duration{300 * time.Millisecond, 400 * time.Millisecond}, clock.delays)
	assert.Equal(t, "run_1", client.listedRunID)

	require.Len(t, client.runReqs, 1)
	assert.Equal(t, "asst_openai_1", client.runReqs[0].AssistantID)
	assert.Equal(t, 4000, client.runReqs[0].MaxCompletionTokens)
	assert.Equal(t, "conv-1", client.runReqs[0].Metadata["conversation_id"])
	assert.Equal(t, "user-1", client.runReqs[0].Metadata["user_id"])

	require.Len(t, st.messages, 1)
	assert.Equal(t, store.RoleAssistantMessage, st.messages[0].Role)
}

func TestReplyReusesRealThread(t *testing.T) {
	client := &fakeClient{
		runID:    "run_2",
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		listed:   openai.MessagesList{Messages: []openai.Message{assistantText("run_2", "ok")}},
	}
	o, _ := newTestOrchestrator(client, newFakeStore())

	reply, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real123"), OpenAIAssistantID: "asst_x", Content: "oi"})
	require.NoError(t, err)
	assert.Equal(t, 0, client.threadCalls)
	assert.Equal(t, "thread_real123", reply.ThreadID)
	assert.Equal(t, 0, reply.Polls)
}

func TestReplyRepairsPlaceholderThread(t *testing.T) {
	client := &fakeClient{
		threadID: "thread_new",
		runID:    "run_3",
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		listed:   openai.MessagesList{Messages: []openai.Message{assistantText("run_3", "ok")}},
	}
	st := newFakeStore()
	o, _ := newTestOrchestrator(client, st)

	conv := newConversation("thread_temp_1699999")
	_, err := o.Reply(context.Background(), Turn{Conversation: conv, OpenAIAssistantID: "asst_x", Content: "oi"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.threadCalls)
	assert.Equal(t, "thread_new", st.threads["conv-1"])
	assert.Equal(t, "thread_new", conv.ThreadID)
}

func TestReplyStopsWhenThreadCannotBePersisted(t *testing.T) {
	client := &fakeClient{threadID: "thread_new", runID: "run_x", statuses: []openai.RunStatus{openai.RunStatusCompleted}}
	st := newFakeStore()
	st.threadErr = errors.New("db down")
	o, _ := newTestOrchestrator(client, st)

	conv := newConversation("null")
	_, err := o.Reply(context.Background(), Turn{Conversation: conv, OpenAIAssistantID: "asst_x", Content: "oi"})
	require.Error(t, err)
	assert.Empty(t, client.messageReqs)
	assert.Equal(t, "null", conv.ThreadID)
}

func TestReplyForwardsAttachments(t *testing.T) {
	client := &fakeClient{
		runID:    "run_4",
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		listed:   openai.MessagesList{Messages: []openai.Message{assistantText("run_4", "li o arquivo")}},
	}
	o, _ := newTestOrchestrator(client, newFakeStore())

	_, err := o.Reply(context.Background(), Turn{
		Conversation:      newConversation("thread_real"),
		OpenAIAssistantID: "asst_x",
		Content:           "resuma",
		Attachments:       []store.Attachment{{FileID: "file-up"}, {FileID: ""}},
	})
	require.NoError(t, err)
	require.Len(t, client.messageReqs, 1)
	require.Len(t, client.messageReqs[0].Attachments, 1)
	assert.Equal(t, "file-up", client.messageReqs[0].Attachments[0].FileID)
	assert.Equal(t, "file_search", client.messageReqs[0].Attachments[0].Tools[0].Type)
}

func TestReplyTimesOutAfterMaxAttempts(t *testing.T) {
	client := &fakeClient{runID: "run_q", statuses: []openai.RunStatus{openai.RunStatusQueued}}
	st := newFakeStore()
	o, clock := newTestOrchestrator(client, st)

	_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	require.Error(t, err)

	var oe *OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CategoryTimeout, oe.Category)
	assert.Equal(t, StagePoll, oe.Stage)
	assert.Equal(t, 61, client.retrieveCalls)
	assert.Len(t, clock.delays, 60)
	assert.Equal(t, time.Second, clock.delays[len(clock.delays)-1])
	assert.Empty(t, st.messages)
	assert.Equal(t, 0, client.listCalls)
}

func TestReplyTimesOutOnWallClock(t *testing.T) {
	client := &fakeClient{runID: "run_slow", statuses: []openai.RunStatus{openai.RunStatusInProgress}, retrieveCost: 5 * time.Second}
	o, clock := newTestOrchestrator(client, newFakeStore())

	start := clock.now()
	_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	assert.Equal(t, CategoryTimeout, CategoryOf(err))
	assert.Less(t, client.retrieveCalls, 61)
	assert.Less(t, clock.now().Sub(start), 70*time.Second)
}

func TestReplyFailedRunSurfacesProviderError(t *testing.T) {
	client := &fakeClient{
		runID:     "run_f",
		statuses:  []openai.RunStatus{openai.RunStatusInProgress, openai.RunStatusFailed},
		lastError: &openai.RunLastError{Code: openai.RunError("server_error"), Message: "Sorry, something went wrong."},
	}
	st := newFakeStore()
	o, _ := newTestOrchestrator(client, st)

	_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	var oe *OrchestrationError
	require.ErrorAs(t, err, &oe)
	assert.Equal(t, CategoryProviderFailed, oe.Category)
	assert.Equal(t, "server_error", oe.ProviderCode)
	assert.Equal(t, "server_error", oe.LogCategory())
	assert.Equal(t, "run_f", oe.RunID)
	assert.Empty(t, st.messages)
	assert.Equal(t, 0, client.listCalls)
}

func TestReplyFailedRunRateLimited(t *testing.T) {
	client := &fakeClient{
		runID:     "run_r",
		statuses:  []openai.RunStatus{openai.RunStatusFailed},
		lastError: &openai.RunLastError{Code: openai.RunError("rate_limit_exceeded"), Message: "slow down"},
	}
	o, _ := newTestOrchestrator(client, newFakeStore())
	_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	assert.Equal(t, CategoryRateLimit, CategoryOf(err))
}

func TestReplyNonCompletedTerminalStates(t *testing.T) {
	for _, status := range []openai.RunStatus{openai.RunStatusExpired, openai.RunStatusCancelled, openai.RunStatusRequiresAction, openai.RunStatusIncomplete} {
		client := &fakeClient{runID: "run_t", statuses: []openai.RunStatus{status}}
		o, _ := newTestOrchestrator(client, newFakeStore())
		_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
		var oe *OrchestrationError
		require.ErrorAs(t, err, &oe, string(status))
		assert.Equal(t, CategoryProviderFailed, oe.Category, string(status))
		assert.Equal(t, string(status), oe.ProviderCode)
	}
}

func TestReplyRejectsEmptyRunID(t *testing.T) {
	client := &fakeClient{runID: "", statuses: []openai.RunStatus{openai.RunStatusCompleted}}
	o, _ := newTestOrchestrator(client, newFakeStore())

	_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	assert.Equal(t, CategoryProviderFailed, CategoryOf(err))
	assert.Equal(t, 0, client.retrieveCalls)
}

func TestReplyRunCreationErrors(t *testing.T) {
	param := "assistant_id"
	cases := map[string]struct {
		err  error
		want Category
	}{
		"bad key":           {&openai.APIError{Code: "invalid_api_key", Message: "Incorrect API key provided", HTTPStatusCode: 401}, CategoryAuth},
		"rate limited":      {&openai.APIError{Message: "Rate limit reached", HTTPStatusCode: 429}, CategoryRateLimit},
		"missing assistant": {&openai.APIError{Message: "No assistant found with id 'asst_x'.", HTTPStatusCode: 404}, CategoryAssistantConfig},
		"bad assistant":     {&openai.APIError{Message: "Invalid value", Param: &param, HTTPStatusCode: 400}, CategoryAssistantConfig},
		"upstream 500":      {&openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, CategoryProviderFailed},
		"deadline":          {context.DeadlineExceeded, CategoryTimeout},
		"other":             {errors.New("weird"), CategoryUnknown},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{runErr: tc.err}
			o, _ := newTestOrchestrator(client, newFakeStore())
			_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
			assert.Equal(t, tc.want, CategoryOf(err))
		})
	}
}

func TestReplyExtractionFailures(t *testing.T) {
	cases := map[string]openai.MessagesList{
		"no message for run": {Messages: []openai.Message{assistantText("run_other", "not mine")}},
		"blank text":         {Messages: []openai.Message{assistantText("run_e", "   ")}},
		"empty list":         {},
	}
	for name, listed := range cases {
		t.Run(name, func(t *testing.T) {
			client := &fakeClient{runID: "run_e", statuses: []openai.RunStatus{openai.RunStatusCompleted}, listed: listed}
			st := newFakeStore()
			o, _ := newTestOrchestrator(client, st)
			_, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
			assert.Equal(t, CategoryExtractionFailed, CategoryOf(err))
			assert.Empty(t, st.messages)
		})
	}
}

func TestReplyPicksMessageOfCurrentRun(t *testing.T) {
	client := &fakeClient{
		runID:    "run_cur",
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		listed: openai.MessagesList{Messages: []openai.Message{
			assistantText("run_old", "stale"),
			assistantText("run_cur", "fresh"),
		}},
	}
	st := newFakeStore()
	o, _ := newTestOrchestrator(client, st)

	reply, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", reply.Message.Content)
	require.Len(t, st.messages, 1)
	assert.Equal(t, "fresh", st.messages[0].Content)
}

func TestReplyBridgesGeneratedFiles(t *testing.T) {
	fileAnnotation := map[string]any{
		"type":      "file_path",
		"text":      "sandbox:/mnt/data/relatorio.csv",
		"file_path": map[string]any{"file_id": "file-gen"},
	}
	citation := map[string]any{"type": "file_citation", "text": "[1]"}
	client := &fakeClient{
		runID:    "run_f1",
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		listed: openai.MessagesList{Messages: []openai.Message{
			assistantText("run_f1", "Segue o relatório.", fileAnnotation, citation, fileAnnotation),
		}},
		files: map[string]openai.File{"file-gen": {ID: "file-gen", FileName: "relatorio.csv", Bytes: 2048}},
	}
	st := newFakeStore()
	o, _ := newTestOrchestrator(client, st)

	reply, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", UserID: "user-1", Content: "gere um csv"})
	require.NoError(t, err)

	require.Len(t, reply.Files, 1)
	assert.Equal(t, store.Attachment{FileID: "file-gen", Filename: "relatorio.csv", Bytes: 2048, Direction: store.DirectionDownload}, reply.Files[0])
	require.Len(t, st.files, 1)
	assert.Equal(t, store.DirectionDownload, st.files[0].Direction)
	assert.Equal(t, "user-1", st.files[0].UserID)
	require.Len(t, st.messages, 1)
	assert.Equal(t, reply.Files, st.messages[0].Attachments)
}

func TestReplyKeepsFileWhenMetadataLookupFails(t *testing.T) {
	ann := map[string]any{"type": "file_path", "file_path": map[string]any{"file_id": "file-missing"}}
	client := &fakeClient{
		runID:    "run_m",
		statuses: []openai.RunStatus{openai.RunStatusCompleted},
		listed:   openai.MessagesList{Messages: []openai.Message{assistantText("run_m", "aqui", ann)}},
	}
	o, _ := newTestOrchestrator(client, newFakeStore())

	reply, err := o.Reply(context.Background(), Turn{Conversation: newConversation("thread_real"), OpenAIAssistantID: "asst_x", Content: "oi"})
	require.NoError(t, err)
	require.Len(t, reply.Files, 1)
	assert.Equal(t, "file-missing", reply.Files[0].FileID)
	assert.Empty(t, reply.Files[0].Filename)
}

func TestPollDelay(t *testing.T) {
	o := New(&fakeClient{}, newFakeStore(), config.OrchestratorConfig{})
	assert.Equal(t, 300*time.Millisecond, o.pollDelay(1))
	assert.Equal(t, 400*time.Millisecond, o.pollDelay(2))
	assert.Equal(t, time.Second, o.pollDelay(8))
	assert.Equal(t, time.Second, o.pollDelay(40))
}
