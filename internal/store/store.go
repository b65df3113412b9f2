// Package store provides storage backends for the intake bot.
//
// It includes SQLite and PostgreSQL implementations plus an in-memory
// store for tests. All backends apply their schema migrations on open.
package store

import (
	"strings"
	"time"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for a store.
type Option func(*Opts)

// WithSQLiteDSN sets an SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets a PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DSN type constants returned by DetectDSNType.
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType inspects a DSN and reports which backend it targets.
// Postgres DSNs use a URL scheme or key=value form; everything else is
// treated as an SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DSNTypePostgres
	}
	if strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Store defines the persistence operations used by the bot, the HTTP API
// and the notifier.
type Store interface {
	// Profile accumulator state.
	GetProfile(phoneNumber string) (*models.Profile, error)
	SaveProfile(p *models.Profile) error
	ListProfiles() ([]models.Profile, error)

	// Inbound message deduplication. RecordInboundMessage atomically
	// claims a message ID: it returns true exactly once per ID, for
	// the caller that inserted the record.
	RecordInboundMessage(messageID, phoneNumber string) (bool, error)
	MarkMessageProcessed(messageID string) error
	CleanupProcessedMessages(olderThan time.Time) (int64, error)

	// Conversation history.
	AddMessage(m models.Message) (int64, error)
	GetMessages(phoneNumber string, limit int) ([]models.Message, error)
	UpdateMessageStatus(transportMessageID string, status models.MessageStatus) error
	ListConversations() ([]models.ConversationSummary, error)

	// Per-conversation settings, agent notes and the pending AI draft.
	GetSettings(phoneNumber string) (models.ConversationSettings, error)
	SetManualMode(phoneNumber string, manual bool) error
	GetNotes(phoneNumber string) (string, error)
	SaveNotes(phoneNumber, notes string) error
	GetDraft(phoneNumber string) (*models.Draft, error)
	SaveDraft(d models.Draft) error
	DeleteDraft(phoneNumber string) error

	// Canned quick replies for the dashboard.
	ListCannedResponses() ([]models.CannedResponse, error)
	AddCannedResponse(c *models.CannedResponse) error

	// Delivery receipts.
	AddReceipt(r models.Receipt) error
	GetReceipts() ([]models.Receipt, error)

	Close() error
}
