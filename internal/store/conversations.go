package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Conversation maps one user/assistant exchange onto a remote thread.
type Conversation struct {
	ID            string
	UserID        string
	AssistantID   string
	InstitutionID string
	Title         string
	ThreadID      string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message roles.
const (
	RoleUserMessage      = "user"
	RoleAssistantMessage = "assistant"
)

// File directions.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Attachment is a file reference carried by a message.
type Attachment struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Message is an append-only conversation entry.
type Message struct {
	ID             string
	ConversationID string
	Role           string
	Content        string
	Attachments    []Attachment
	CreatedAt      time.Time
}

// FileRecord mirrors a provider file associated with a conversation.
type FileRecord struct {
	ID             string
	ConversationID string
	UserID         string
	OpenAIFileID   string
	Filename       string
	Bytes          int64
	Direction      string
	CreatedAt      time.Time
}

const conversationColumns = `id, user_id, assistant_id, institution_id, title, thread_id, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (Conversation, error) {
	var (
		c           Conversation
		institution sql.NullString
		thread      sql.NullString
	)
	if err := row.Scan(&c.ID, &c.UserID, &c.AssistantID, &institution, &c.Title, &thread, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return Conversation{}, err
	}
	c.InstitutionID = institution.String
	c.ThreadID = thread.String
	return c, nil
}

// CreateConversation inserts a conversation without a thread; the thread is
// attached on the first exchange.
func (s *Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	row := s.DB.QueryRowContext(ctx, `
INSERT INTO conversations (user_id, assistant_id, institution_id, title)
VALUES ($1,$2,$3,$4)
RETURNING `+conversationColumns, c.UserID, c.AssistantID, nullString(c.InstitutionID), c.Title)
	out, err := scanConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return out, nil
}

// GetConversation fetches a conversation owned by userID.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (Conversation, bool, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id=$1 AND user_id=$2`, id, userID)
	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Conversation{}, false, nil
		}
		return Conversation{}, false, err
	}
	return c, true, nil
}

// ListConversations returns the user's conversations, most recent first.
// An empty assistantID lists all assistants.
func (s *Store) ListConversations(ctx context.Context, userID, assistantID string) ([]Conversation, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT `+conversationColumns+`
FROM conversations
WHERE user_id=$1 AND ($2 = '' OR assistant_id = $2)
ORDER BY updated_at DESC
LIMIT 100`, userID, assistantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateConversationThread persists a (re)created remote thread id.
func (s *Store) UpdateConversationThread(ctx context.Context, id, threadID string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE conversations SET thread_id=$2, updated_at=NOW() WHERE id=$1`, id, threadID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	return expectRow(res)
}

// TouchConversation bumps updated_at.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE conversations SET updated_at=NOW() WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return expectRow(res)
}

// CreateMessage appends a message and fills ID and CreatedAt.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	var attachments []byte
	if len(m.Attachments) > 0 {
		b, err := json.Marshal(m.Attachments)
		if err != nil {
			return fmt.Errorf("marshal attachments: %w", err)
		}
		attachments = b
	}
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO messages (conversation_id, role, content, attachments)
VALUES ($1,$2,$3,$4)
RETURNING id, created_at`, m.ConversationID, m.Role, m.Content, attachments).Scan(&m.ID, &m.CreatedAt)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in creation order.
func (s *Store) ListMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, conversation_id, role, content, attachments, created_at
FROM messages
WHERE conversation_id=$1
ORDER BY created_at ASC`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var (
			m   Message
			raw []byte
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &raw, &m.CreatedAt); err != nil {
			return nil, err
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &m.Attachments); err != nil {
				return nil, fmt.Errorf("decode attachments of %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveFile records a provider file against a conversation.
func (s *Store) SaveFile(ctx context.Context, f *FileRecord) error {
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO conversation_files (conversation_id, user_id, openai_file_id, filename, bytes, direction)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING id, created_at`, f.ConversationID, f.UserID, f.OpenAIFileID, f.Filename, f.Bytes, f.Direction).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return fmt.Errorf("save file: %w", err)
	}
	return nil
}
