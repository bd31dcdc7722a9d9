package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/neuroialab/neuroia/internal/store"
)

// annotation is the subset of a text annotation the gateway reads.
type annotation struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	FilePath *struct {
		FileID string `json:"file_id"`
	} `json:"file_path,omitempty"`
}

// materialize fetches the reply produced by runID, bridges any generated
// files and persists the assistant message.
func (o *Orchestrator) materialize(ctx context.Context, turn Turn, threadID, runID string) (*Reply, error) {
	limit := o.cfg.MessageListLimit
	order := "desc"
	list, err := o.client.ListMessage(ctx, threadID, &limit, &order, nil, nil, &runID)
	if err != nil {
		oe := Classify(StageExtract, err)
		oe.RunID = runID
		return nil, oe
	}

	msg, ok := runMessage(list.Messages, runID)
	if !ok {
		return nil, &OrchestrationError{Category: CategoryExtractionFailed, Stage: StageExtract, RunID: runID, Err: errors.New("no assistant message for run")}
	}
	text, fileIDs := extractText(msg)
	if strings.TrimSpace(text) == "" {
		return nil, &OrchestrationError{Category: CategoryExtractionFailed, Stage: StageExtract, RunID: runID, Err: errors.New("assistant message has no text")}
	}

	files := o.bridgeFiles(ctx, turn, fileIDs)
	out := store.Message{
		ConversationID: turn.Conversation.ID,
		Role:           store.RoleAssistantMessage,
		Content:        text,
		Attachments:    files,
	}
	if err := o.store.CreateMessage(ctx, &out); err != nil {
		return nil, &OrchestrationError{Category: CategoryUnknown, Stage: StagePersist, RunID: runID, Err: err}
	}
	return &Reply{Message: out, Files: files, ThreadID: threadID, RunID: runID}, nil
}

// runMessage picks the newest assistant message created by runID.
func runMessage(msgs []openai.Message, runID string) (openai.Message, bool) {
	for _, m := range msgs {
		if m.Role != store.RoleAssistantMessage || m.RunID == nil {
			continue
		}
		if *m.RunID == runID {
			return m, true
		}
	}
	return openai.Message{}, false
}

// extractText joins the text parts of msg and collects generated file ids
// in order of first appearance.
func extractText(msg openai.Message) (string, []string) {
	var (
		parts []string
		ids   []string
		seen  = map[string]struct{}{}
	)
	for _, c := range msg.Content {
		if c.Type != "text" || c.Text == nil {
			continue
		}
		if v := strings.TrimSpace(c.Text.Value); v != "" {
			parts = append(parts, v)
		}
		for _, raw := range c.Text.Annotations {
			a, ok := decodeAnnotation(raw)
			if !ok || a.Type != "file_path" || a.FilePath == nil || a.FilePath.FileID == "" {
				continue
			}
			if _, dup := seen[a.FilePath.FileID]; dup {
				continue
			}
			seen[a.FilePath.FileID] = struct{}{}
			ids = append(ids, a.FilePath.FileID)
		}
	}
	return strings.Join(parts, "\n\n"), ids
}

func decodeAnnotation(raw any) (annotation, bool) {
	var a annotation
	b, err := json.Marshal(raw)
	if err != nil {
		return a, false
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return a, false
	}
	return a, true
}

// bridgeFiles resolves metadata for generated files and records them as
// downloads. Lookup or record failures degrade to an id-only attachment.
func (o *Orchestrator) bridgeFiles(ctx context.Context, turn Turn, ids []string) []store.Attachment {
	out := make([]store.Attachment, 0, len(ids))
	for _, id := range ids {
		att := store.Attachment{FileID: id, Direction: store.DirectionDownload}
		if f, err := o.client.GetFile(ctx, id); err != nil {
			o.logger.Warn("file metadata lookup failed",
				zap.String("conversation_id", turn.Conversation.ID),
				zap.String("file_id", id),
				zap.Error(err))
		} else {
			att.Filename = f.FileName
			att.Bytes = int64(f.Bytes)
		}
		rec := store.FileRecord{
			ConversationID: turn.Conversation.ID,
			UserID:         turn.UserID,
			OpenAIFileID:   id,
			Filename:       att.Filename,
			Bytes:          att.Bytes,
			Direction:      store.DirectionDownload,
		}
		if err := o.store.SaveFile(ctx, &rec); err != nil {
			o.logger.Warn("record generated file failed",
				zap.String("conversation_id", turn.Conversation.ID),
				zap.String("file_id", id),
				zap.Error(fmt.Errorf("save file: %w", err)))
		}
		out = append(out, att)
	}
	return out
}
