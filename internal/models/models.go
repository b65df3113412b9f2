// Package models defines the core data structures for the intake bot.
//
// It includes the client profile, per-turn field updates, conversation
// settings, drafts, message history entries, and the shared API response
// envelope used by the dashboard endpoints.
package models

import (
	"errors"
	"strings"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageBodyLength defines the maximum allowed length for an outbound message body
	MaxMessageBodyLength = 4096
	// MaxNotesLength defines the maximum allowed length for agent notes
	MaxNotesLength = 4000
	// MaxCannedShortcutLength defines the maximum allowed length for canned response shortcuts
	MaxCannedShortcutLength = 64
)

// Error variables for better error handling and testability
var (
	ErrEmptyRecipient  = errors.New("recipient cannot be empty")
	ErrEmptyBody       = errors.New("message body cannot be empty")
	ErrBodyTooLong     = errors.New("message body exceeds maximum length")
	ErrNotesTooLong    = errors.New("notes exceed maximum length")
	ErrInvalidEmail    = errors.New("email address is not valid")
	ErrProfileNotFound = errors.New("profile not found")
	ErrNoUserMessage   = errors.New("no prior user message for this conversation")
	ErrNoDraft         = errors.New("no draft available for this conversation")
)

// MessageSender identifies who authored a stored conversation message.
type MessageSender string

const (
	// SenderUser marks messages received from the end user.
	SenderUser MessageSender = "user"
	// SenderBot marks messages sent by the bot or by an agent through the dashboard.
	SenderBot MessageSender = "bot"
)

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// ProfileFields holds the four identity fields collected during intake.
// A blank string means the field is not known yet.
type ProfileFields struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Complete reports whether all four identity fields are known.
func (f ProfileFields) Complete() bool {
	return strings.TrimSpace(f.FirstName) != "" &&
		strings.TrimSpace(f.LastName) != "" &&
		strings.TrimSpace(f.CompanyName) != "" &&
		strings.TrimSpace(f.Email) != ""
}

// Profile represents the accumulated client record for one conversation
// identity (a canonical phone number).
type Profile struct {
	PhoneNumber        string        `json:"phone_number"`
	Fields             ProfileFields `json:"fields"`
	Complete           bool          `json:"complete"`
	MissingDescription string        `json:"missing_description,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	// CompletedAt is a one-way latch: set at the first transition to
	// complete and never cleared, even if fields are later blanked out.
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	CRMSynced    bool       `json:"crm_synced"`
	CRMContactID string     `json:"crm_contact_id,omitempty"`
}

// FieldUpdate is the per-turn candidate set produced by extraction.
// Each field is independently present-or-absent; blank means absent.
type FieldUpdate struct {
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CompanyName string `json:"company_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// IsEmpty reports whether the update carries no new information.
func (u FieldUpdate) IsEmpty() bool {
	return strings.TrimSpace(u.FirstName) == "" &&
		strings.TrimSpace(u.LastName) == "" &&
		strings.TrimSpace(u.CompanyName) == "" &&
		strings.TrimSpace(u.Email) == ""
}

// ConversationSettings holds per-identity settings.
type ConversationSettings struct {
	PhoneNumber string `json:"phone_number"`
	ManualMode  bool   `json:"manual_mode"`
}

// Draft is the single reviewable AI draft held for an identity while in
// manual mode.
type Draft struct {
	PhoneNumber string    `json:"phone_number"`
	Text        string    `json:"text"`
	CreatedAt   time.Time `json:"created_at"`
}

// Message is one entry in the stored conversation history.
type Message struct {
	ID                 int64         `json:"id,omitempty"`
	PhoneNumber        string        `json:"phone_number"`
	Sender             MessageSender `json:"sender"`
	Body               string        `json:"body"`
	TransportMessageID string        `json:"transport_message_id,omitempty"`
	Status             MessageStatus `json:"status,omitempty"`
	Timestamp          time.Time     `json:"timestamp"`
}

// ConversationSummary is the dashboard listing row: profile identity plus
// the most recent message.
type ConversationSummary struct {
	PhoneNumber   string     `json:"phone_number"`
	DisplayName   string     `json:"display_name,omitempty"`
	Email         string     `json:"email,omitempty"`
	CompanyName   string     `json:"company_name,omitempty"`
	Complete      bool       `json:"complete"`
	ManualMode    bool       `json:"manual_mode"`
	LastMessage   string     `json:"last_message,omitempty"`
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`
}

// CannedResponse is a reusable quick reply selectable from the dashboard
// via a slash shortcut.
type CannedResponse struct {
	ID        int64  `json:"id,omitempty"`
	Shortcut  string `json:"shortcut"`
	Label     string `json:"label"`
	Message   string `json:"message"`
	Category  string `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Validate checks a canned response before it is stored.
func (c *CannedResponse) Validate() error {
	if strings.TrimSpace(c.Shortcut) == "" {
		return errors.New("shortcut is required")
	}
	if len(c.Shortcut) > MaxCannedShortcutLength {
		return errors.New("shortcut exceeds maximum length")
	}
	if strings.TrimSpace(c.Label) == "" {
		return errors.New("label is required")
	}
	if c.Message == "" {
		return ErrEmptyBody
	}
	return nil
}

// ResponseKind classifies the content of an inbound message.
type ResponseKind string

const (
	// ResponseKindText is a plain text message.
	ResponseKindText ResponseKind = "text"
	// ResponseKindImage is an image attachment.
	ResponseKindImage ResponseKind = "image"
	// ResponseKindAudio is a voice note or audio attachment.
	ResponseKindAudio ResponseKind = "audio"
	// ResponseKindOther is any other unsupported content type.
	ResponseKindOther ResponseKind = "other"
)

// Response represents an incoming message from a participant. Body is
// empty for non-text kinds.
type Response struct {
	From      string       `json:"from"`
	Body      string       `json:"body"`
	Kind      ResponseKind `json:"kind"`
	MessageID string       `json:"message_id"`
	Time      int64        `json:"time"`
}

// Receipt represents a delivery status event for an outbound message.
type Receipt struct {
	To                 string        `json:"to"`
	TransportMessageID string        `json:"transport_message_id,omitempty"`
	Status             MessageStatus `json:"status"`
	Time               int64         `json:"time"`
}
