package server

import (
	"time"

	"github.com/neuroialab/neuroia/internal/store"
)

// HTTPError is a generic error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
}

// DeniedResponse is returned with 403 when entitlement is refused.
type DeniedResponse struct {
	Error          string     `json:"error"`
	AssistantID    string     `json:"assistant_id"`
	Reason         string     `json:"reason"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	DaysExpired    int        `json:"days_expired,omitempty"`
	ActionRequired string     `json:"action_required,omitempty"`
}

// MeResponse describes the authenticated caller.
type MeResponse struct {
	UserID  string `json:"user_id"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"is_admin"`
}

// AssistantResponse is a public catalog entry. The provider assistant id is
// never exposed.
type AssistantResponse struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsSimulator bool   `json:"is_simulator"`
}

// AttachmentPayload references a file already uploaded to the provider.
type AttachmentPayload struct {
	FileID   string `json:"file_id"`
	Filename string `json:"filename,omitempty"`
	Bytes    int64  `json:"bytes,omitempty"`
}

// ChatRequest is the body of a chat turn.
type ChatRequest struct {
	AssistantID    string              `json:"assistant_id"`
	ConversationID string              `json:"conversation_id,omitempty"`
	Message        string              `json:"message"`
	Attachments    []AttachmentPayload `json:"attachments,omitempty"`
}

// FileResponse describes a file attached to a message.
type FileResponse struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// RenewalWarning is attached to successful turns close to expiry.
type RenewalWarning struct {
	DaysRemaining int        `json:"days_remaining"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// ChatResponse is the result of a chat turn. ErrorCode is set when Message
// is a fallback.
type ChatResponse struct {
	ConversationID string          `json:"conversation_id"`
	ThreadID       string          `json:"thread_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Message        string          `json:"message"`
	Files          []FileResponse  `json:"files,omitempty"`
	ErrorCode      string          `json:"error_code,omitempty"`
	RenewalWarning *RenewalWarning `json:"renewal_warning,omitempty"`
}

// ConversationResponse is a conversation summary.
type ConversationResponse struct {
	ID            string    `json:"id"`
	AssistantID   string    `json:"assistant_id"`
	InstitutionID string    `json:"institution_id,omitempty"`
	Title         string    `json:"title"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// MessageResponse is one stored message.
type MessageResponse struct {
	ID          string         `json:"id"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	Attachments []FileResponse `json:"attachments,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// InstitutionResponse is an institution as seen by admins.
type InstitutionResponse struct {
	ID        string    `json:"id"`
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateInstitutionRequest creates an institution.
type CreateInstitutionRequest struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

// MembershipRequest sets a member's role.
type MembershipRequest struct {
	Role     string `json:"role"`
	IsActive *bool  `json:"is_active,omitempty"`
}

// InstitutionSubscriptionRequest sets the institution's billing window.
type InstitutionSubscriptionRequest struct {
	Status    string    `json:"status"`
	ExpiresAt time.Time `json:"expires_at"`
}

// IDResponse is a generic id response wrapper.
type IDResponse struct {
	ID string `json:"id"`
}

func toAssistantResponse(a store.Assistant) AssistantResponse {
	return AssistantResponse{ID: a.ID, Name: a.Name, Description: a.Description, IsSimulator: a.IsSimulator}
}

func toFileResponses(in []store.Attachment) []FileResponse {
	if len(in) == 0 {
		return nil
	}
	out := make([]FileResponse, 0, len(in))
	for _, a := range in {
		out = append(out, FileResponse{FileID: a.FileID, Filename: a.Filename, Bytes: a.Bytes, Direction: a.Direction})
	}
	return out
}

func toConversationResponse(c store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:            c.ID,
		AssistantID:   c.AssistantID,
		InstitutionID: c.InstitutionID,
		Title:         c.Title,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func toMessageResponse(m store.Message) MessageResponse {
	return MessageResponse{ID: m.ID, Role: m.Role, Content: m.Content, Attachments: toFileResponses(m.Attachments), CreatedAt: m.CreatedAt}
}

func toInstitutionResponse(i store.Institution) InstitutionResponse {
	return InstitutionResponse{ID: i.ID, Slug: i.Slug, Name: i.Name, IsActive: i.IsActive, CreatedAt: i.CreatedAt}
}
