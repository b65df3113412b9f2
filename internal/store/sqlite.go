// Package store provides storage backends for the intake bot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/matdac12/whatsapp-test01/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// GetProfile retrieves the accumulated profile for a phone number.
// Returns nil when no profile exists.
func (s *SQLiteStore) GetProfile(phoneNumber string) (*models.Profile, error) {
	row := s.db.QueryRow(`SELECT phone_number, first_name, last_name, company_name, email, created_at, updated_at, completed_at, crm_synced, crm_contact_id
		FROM client_profiles WHERE phone_number = ?`, phoneNumber)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		slog.Debug("SQLiteStore GetProfile not found", "phone", phoneNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetProfile failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get profile for %s: %w", phoneNumber, err)
	}
	return &p, nil
}

// SaveProfile inserts or updates a profile row.
func (s *SQLiteStore) SaveProfile(p *models.Profile) error {
	query := `
		INSERT INTO client_profiles (phone_number, first_name, last_name, company_name, email, created_at, updated_at, completed_at, crm_synced, crm_contact_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			company_name = excluded.company_name,
			email = excluded.email,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			crm_synced = excluded.crm_synced,
			crm_contact_id = excluded.crm_contact_id`

	var completedAt interface{}
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}
	_, err := s.db.Exec(query, p.PhoneNumber,
		nilIfEmpty(p.Fields.FirstName), nilIfEmpty(p.Fields.LastName),
		nilIfEmpty(p.Fields.CompanyName), nilIfEmpty(p.Fields.Email),
		p.CreatedAt, p.UpdatedAt, completedAt, p.CRMSynced, nilIfEmpty(p.CRMContactID))
	if err != nil {
		slog.Error("SQLiteStore SaveProfile failed", "error", err, "phone", p.PhoneNumber)
		return fmt.Errorf("failed to save profile for %s: %w", p.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveProfile succeeded", "phone", p.PhoneNumber, "complete", p.Complete)
	return nil
}

// ListProfiles retrieves all profiles ordered by most recent update.
func (s *SQLiteStore) ListProfiles() ([]models.Profile, error) {
	rows, err := s.db.Query(`SELECT phone_number, first_name, last_name, company_name, email, created_at, updated_at, completed_at, crm_synced, crm_contact_id
		FROM client_profiles ORDER BY updated_at DESC`)
	if err != nil {
		slog.Error("SQLiteStore ListProfiles query failed", "error", err)
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			slog.Error("SQLiteStore ListProfiles scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListProfiles rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate profile rows: %w", err)
	}
	slog.Debug("SQLiteStore ListProfiles succeeded", "count", len(profiles))
	return profiles, nil
}

// RecordInboundMessage atomically claims an inbound message ID. Returns
// true only for the call that inserted the record; concurrent or repeated
// calls with the same ID observe the existing row and return false.
func (s *SQLiteStore) RecordInboundMessage(messageID, phoneNumber string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO processed_messages (message_id, phone_number, received_at) VALUES (?, ?, ?)`,
		messageID, phoneNumber, time.Now(),
	)
	if err != nil {
		slog.Error("SQLiteStore RecordInboundMessage failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkMessageProcessed sets the processed_at timestamp for a message.
func (s *SQLiteStore) MarkMessageProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE processed_messages SET processed_at = ? WHERE message_id = ?`,
		time.Now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// CleanupProcessedMessages deletes dedup records received before the cutoff
// and reports how many rows were removed.
func (s *SQLiteStore) CleanupProcessedMessages(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM processed_messages WHERE received_at < ?`, olderThan)
	if err != nil {
		slog.Error("SQLiteStore CleanupProcessedMessages failed", "error", err)
		return 0, fmt.Errorf("cleanup processed messages failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore CleanupProcessedMessages succeeded", "deleted", n)
	return n, nil
}

// AddMessage appends an entry to the conversation history.
func (s *SQLiteStore) AddMessage(m models.Message) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO messages (phone_number, sender, body, transport_message_id, status, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		m.PhoneNumber, m.Sender, m.Body, nilIfEmpty(m.TransportMessageID), nilIfEmpty(string(m.Status)), m.Timestamp,
	)
	if err != nil {
		slog.Error("SQLiteStore AddMessage failed", "error", err, "phone", m.PhoneNumber)
		return 0, fmt.Errorf("failed to insert message for %s: %w", m.PhoneNumber, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	slog.Debug("SQLiteStore AddMessage succeeded", "phone", m.PhoneNumber, "sender", m.Sender, "id", id)
	return id, nil
}

// GetMessages retrieves the conversation history for a phone number in
// chronological order. A limit of 0 returns everything.
func (s *SQLiteStore) GetMessages(phoneNumber string, limit int) ([]models.Message, error) {
	query := `SELECT id, phone_number, sender, body, transport_message_id, status, timestamp
		FROM messages WHERE phone_number = ? ORDER BY timestamp ASC, id ASC`
	args := []interface{}{phoneNumber}
	if limit > 0 {
		// Take the most recent rows, then reverse back to chronological.
		query = `SELECT id, phone_number, sender, body, transport_message_id, status, timestamp FROM (
			SELECT id, phone_number, sender, body, transport_message_id, status, timestamp
			FROM messages WHERE phone_number = ? ORDER BY timestamp DESC, id DESC LIMIT ?
		) ORDER BY timestamp ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetMessages query failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("SQLiteStore GetMessages scan failed", "error", err)
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore GetMessages rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	slog.Debug("SQLiteStore GetMessages succeeded", "phone", phoneNumber, "count", len(messages))
	return messages, nil
}

// UpdateMessageStatus updates the delivery status of the history entry
// identified by its transport message ID.
func (s *SQLiteStore) UpdateMessageStatus(transportMessageID string, status models.MessageStatus) error {
	_, err := s.db.Exec(`UPDATE messages SET status = ? WHERE transport_message_id = ?`, status, transportMessageID)
	if err != nil {
		slog.Error("SQLiteStore UpdateMessageStatus failed", "error", err, "transportMessageID", transportMessageID)
		return fmt.Errorf("failed to update message status: %w", err)
	}
	slog.Debug("SQLiteStore UpdateMessageStatus succeeded", "transportMessageID", transportMessageID, "status", status)
	return nil
}

// ListConversations retrieves one summary row per known conversation,
// most recent activity first.
func (s *SQLiteStore) ListConversations() ([]models.ConversationSummary, error) {
	query := `
		SELECT p.phone_number, p.first_name, p.last_name, p.company_name, p.email,
			COALESCE(cs.manual_mode, 0), m.body, m.timestamp
		FROM client_profiles p
		LEFT JOIN conversation_settings cs ON cs.phone_number = p.phone_number
		LEFT JOIN messages m ON m.id = (
			SELECT id FROM messages WHERE phone_number = p.phone_number
			ORDER BY timestamp DESC, id DESC LIMIT 1
		)
		ORDER BY (m.timestamp IS NULL), m.timestamp DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("SQLiteStore ListConversations query failed", "error", err)
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var cs models.ConversationSummary
		var firstName, lastName, companyName, email, lastBody sql.NullString
		var lastTS sql.NullTime
		if err := rows.Scan(&cs.PhoneNumber, &firstName, &lastName, &companyName, &email,
			&cs.ManualMode, &lastBody, &lastTS); err != nil {
			slog.Error("SQLiteStore ListConversations scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		fields := models.ProfileFields{
			FirstName:   firstName.String,
			LastName:    lastName.String,
			CompanyName: companyName.String,
			Email:       email.String,
		}
		cs.DisplayName = displayNameFromFields(fields)
		cs.Email = fields.Email
		cs.CompanyName = fields.CompanyName
		cs.Complete = fields.Complete()
		cs.LastMessage = lastBody.String
		if lastTS.Valid {
			cs.LastTimestamp = &lastTS.Time
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListConversations rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug("SQLiteStore ListConversations succeeded", "count", len(summaries))
	return summaries, nil
}

// GetSettings retrieves conversation settings, defaulting to automatic
// mode when no row exists yet.
func (s *SQLiteStore) GetSettings(phoneNumber string) (models.ConversationSettings, error) {
	settings := models.ConversationSettings{PhoneNumber: phoneNumber}
	err := s.db.QueryRow(`SELECT manual_mode FROM conversation_settings WHERE phone_number = ?`, phoneNumber).
		Scan(&settings.ManualMode)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetSettings failed", "error", err, "phone", phoneNumber)
		return settings, fmt.Errorf("failed to get settings for %s: %w", phoneNumber, err)
	}
	return settings, nil
}

// SetManualMode switches a conversation between manual and automatic mode.
func (s *SQLiteStore) SetManualMode(phoneNumber string, manual bool) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_settings (phone_number, manual_mode) VALUES (?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET manual_mode = excluded.manual_mode`,
		phoneNumber, manual)
	if err != nil {
		slog.Error("SQLiteStore SetManualMode failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to set manual mode for %s: %w", phoneNumber, err)
	}
	slog.Debug("SQLiteStore SetManualMode succeeded", "phone", phoneNumber, "manual", manual)
	return nil
}

// GetNotes retrieves the agent notes for a conversation.
func (s *SQLiteStore) GetNotes(phoneNumber string) (string, error) {
	var notes sql.NullString
	err := s.db.QueryRow(`SELECT notes FROM conversation_settings WHERE phone_number = ?`, phoneNumber).Scan(&notes)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetNotes failed", "error", err, "phone", phoneNumber)
		return "", fmt.Errorf("failed to get notes for %s: %w", phoneNumber, err)
	}
	return notes.String, nil
}

// SaveNotes stores the agent notes for a conversation.
func (s *SQLiteStore) SaveNotes(phoneNumber, notes string) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_settings (phone_number, notes) VALUES (?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET notes = excluded.notes`,
		phoneNumber, nilIfEmpty(notes))
	if err != nil {
		slog.Error("SQLiteStore SaveNotes failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to save notes for %s: %w", phoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveNotes succeeded", "phone", phoneNumber)
	return nil
}

// GetDraft retrieves the pending AI draft for a conversation, or nil if
// there is none.
func (s *SQLiteStore) GetDraft(phoneNumber string) (*models.Draft, error) {
	var text sql.NullString
	var createdAt sql.NullTime
	err := s.db.QueryRow(`SELECT ai_draft, ai_draft_created_at FROM conversation_settings WHERE phone_number = ?`, phoneNumber).
		Scan(&text, &createdAt)
	if err == sql.ErrNoRows || (err == nil && !text.Valid) {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetDraft failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get draft for %s: %w", phoneNumber, err)
	}
	d := models.Draft{PhoneNumber: phoneNumber, Text: text.String}
	if createdAt.Valid {
		d.CreatedAt = createdAt.Time
	}
	return &d, nil
}

// SaveDraft stores or replaces the pending AI draft for a conversation.
func (s *SQLiteStore) SaveDraft(d models.Draft) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_settings (phone_number, ai_draft, ai_draft_created_at) VALUES (?, ?, ?)
		ON CONFLICT(phone_number) DO UPDATE SET
			ai_draft = excluded.ai_draft,
			ai_draft_created_at = excluded.ai_draft_created_at`,
		d.PhoneNumber, d.Text, d.CreatedAt)
	if err != nil {
		slog.Error("SQLiteStore SaveDraft failed", "error", err, "phone", d.PhoneNumber)
		return fmt.Errorf("failed to save draft for %s: %w", d.PhoneNumber, err)
	}
	slog.Debug("SQLiteStore SaveDraft succeeded", "phone", d.PhoneNumber)
	return nil
}

// DeleteDraft discards the pending AI draft for a conversation.
func (s *SQLiteStore) DeleteDraft(phoneNumber string) error {
	_, err := s.db.Exec(`UPDATE conversation_settings SET ai_draft = NULL, ai_draft_created_at = NULL WHERE phone_number = ?`, phoneNumber)
	if err != nil {
		slog.Error("SQLiteStore DeleteDraft failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to delete draft for %s: %w", phoneNumber, err)
	}
	slog.Debug("SQLiteStore DeleteDraft succeeded", "phone", phoneNumber)
	return nil
}

// ListCannedResponses retrieves all canned quick replies.
func (s *SQLiteStore) ListCannedResponses() ([]models.CannedResponse, error) {
	rows, err := s.db.Query(`SELECT id, shortcut, label, message, category, created_at FROM canned_responses ORDER BY shortcut ASC`)
	if err != nil {
		slog.Error("SQLiteStore ListCannedResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query canned responses: %w", err)
	}
	defer rows.Close()

	var responses []models.CannedResponse
	for rows.Next() {
		c, err := scanCannedResponse(rows)
		if err != nil {
			slog.Error("SQLiteStore ListCannedResponses scan failed", "error", err)
			return nil, err
		}
		responses = append(responses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate canned response rows: %w", err)
	}
	slog.Debug("SQLiteStore ListCannedResponses succeeded", "count", len(responses))
	return responses, nil
}

// AddCannedResponse stores a new canned quick reply and fills in its ID.
func (s *SQLiteStore) AddCannedResponse(c *models.CannedResponse) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid canned response: %w", err)
	}
	res, err := s.db.Exec(
		`INSERT INTO canned_responses (shortcut, label, message, category) VALUES (?, ?, ?, ?)`,
		c.Shortcut, c.Label, c.Message, nilIfEmpty(c.Category),
	)
	if err != nil {
		slog.Error("SQLiteStore AddCannedResponse failed", "error", err, "shortcut", c.Shortcut)
		return fmt.Errorf("failed to insert canned response %s: %w", c.Shortcut, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	c.ID = id
	slog.Debug("SQLiteStore AddCannedResponse succeeded", "shortcut", c.Shortcut, "id", id)
	return nil
}

// AddReceipt stores a delivery receipt.
func (s *SQLiteStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts (recipient, transport_message_id, status, time) VALUES (?, ?, ?, ?)`,
		r.To, nilIfEmpty(r.TransportMessageID), r.Status, r.Time,
	)
	if err != nil {
		slog.Error("SQLiteStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	slog.Debug("SQLiteStore AddReceipt succeeded", "to", r.To, "status", r.Status)
	return nil
}

// GetReceipts retrieves all stored delivery receipts.
func (s *SQLiteStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, transport_message_id, status, time FROM receipts`)
	if err != nil {
		slog.Error("SQLiteStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var transportID sql.NullString
		if err := rows.Scan(&r.To, &transportID, &r.Status, &r.Time); err != nil {
			slog.Error("SQLiteStore GetReceipts scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan receipt row: %w", err)
		}
		r.TransportMessageID = transportID.String
		receipts = append(receipts, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate receipt rows: %w", err)
	}
	return receipts, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// displayNameFromFields composes a short display name from profile fields.
func displayNameFromFields(f models.ProfileFields) string {
	switch {
	case f.FirstName != "" && f.LastName != "":
		return f.FirstName + " " + f.LastName
	case f.FirstName != "":
		return f.FirstName
	case f.LastName != "":
		return f.LastName
	default:
		return ""
	}
}
