// Package store provides storage backends for the intake bot.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/matdac12/whatsapp-test01/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// GetProfile retrieves the accumulated profile for a phone number.
// Returns nil when no profile exists.
func (s *PostgresStore) GetProfile(phoneNumber string) (*models.Profile, error) {
	row := s.db.QueryRow(`SELECT phone_number, first_name, last_name, company_name, email, created_at, updated_at, completed_at, crm_synced, crm_contact_id
		FROM client_profiles WHERE phone_number = $1`, phoneNumber)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		slog.Debug("PostgresStore GetProfile not found", "phone", phoneNumber)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetProfile failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get profile for %s: %w", phoneNumber, err)
	}
	return &p, nil
}

// SaveProfile inserts or updates a profile row.
func (s *PostgresStore) SaveProfile(p *models.Profile) error {
	query := `
		INSERT INTO client_profiles (phone_number, first_name, last_name, company_name, email, created_at, updated_at, completed_at, crm_synced, crm_contact_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (phone_number) DO UPDATE SET
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			company_name = EXCLUDED.company_name,
			email = EXCLUDED.email,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at,
			crm_synced = EXCLUDED.crm_synced,
			crm_contact_id = EXCLUDED.crm_contact_id`

	var completedAt interface{}
	if p.CompletedAt != nil {
		completedAt = *p.CompletedAt
	}
	_, err := s.db.Exec(query, p.PhoneNumber,
		nilIfEmpty(p.Fields.FirstName), nilIfEmpty(p.Fields.LastName),
		nilIfEmpty(p.Fields.CompanyName), nilIfEmpty(p.Fields.Email),
		p.CreatedAt, p.UpdatedAt, completedAt, p.CRMSynced, nilIfEmpty(p.CRMContactID))
	if err != nil {
		slog.Error("PostgresStore SaveProfile failed", "error", err, "phone", p.PhoneNumber)
		return fmt.Errorf("failed to save profile for %s: %w", p.PhoneNumber, err)
	}
	slog.Debug("PostgresStore SaveProfile succeeded", "phone", p.PhoneNumber, "complete", p.Complete)
	return nil
}

// ListProfiles retrieves all profiles ordered by most recent update.
func (s *PostgresStore) ListProfiles() ([]models.Profile, error) {
	rows, err := s.db.Query(`SELECT phone_number, first_name, last_name, company_name, email, created_at, updated_at, completed_at, crm_synced, crm_contact_id
		FROM client_profiles ORDER BY updated_at DESC`)
	if err != nil {
		slog.Error("PostgresStore ListProfiles query failed", "error", err)
		return nil, fmt.Errorf("failed to query profiles: %w", err)
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			slog.Error("PostgresStore ListProfiles scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan profile row: %w", err)
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate profile rows: %w", err)
	}
	slog.Debug("PostgresStore ListProfiles succeeded", "count", len(profiles))
	return profiles, nil
}

// RecordInboundMessage atomically claims an inbound message ID. Returns
// true only for the call that inserted the record.
func (s *PostgresStore) RecordInboundMessage(messageID, phoneNumber string) (bool, error) {
	res, err := s.db.Exec(
		`INSERT INTO processed_messages (message_id, phone_number, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, phoneNumber, time.Now(),
	)
	if err != nil {
		slog.Error("PostgresStore RecordInboundMessage failed", "error", err, "messageID", messageID)
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkMessageProcessed sets the processed_at timestamp for a message.
func (s *PostgresStore) MarkMessageProcessed(messageID string) error {
	_, err := s.db.Exec(
		`UPDATE processed_messages SET processed_at = $1 WHERE message_id = $2`,
		time.Now(), messageID,
	)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

// CleanupProcessedMessages deletes dedup records received before the cutoff.
func (s *PostgresStore) CleanupProcessedMessages(olderThan time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM processed_messages WHERE received_at < $1`, olderThan)
	if err != nil {
		slog.Error("PostgresStore CleanupProcessedMessages failed", "error", err)
		return 0, fmt.Errorf("cleanup processed messages failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	slog.Debug("PostgresStore CleanupProcessedMessages succeeded", "deleted", n)
	return n, nil
}

// AddMessage appends an entry to the conversation history.
func (s *PostgresStore) AddMessage(m models.Message) (int64, error) {
	var id int64
	err := s.db.QueryRow(
		`INSERT INTO messages (phone_number, sender, body, transport_message_id, status, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		m.PhoneNumber, m.Sender, m.Body, nilIfEmpty(m.TransportMessageID), nilIfEmpty(string(m.Status)), m.Timestamp,
	).Scan(&id)
	if err != nil {
		slog.Error("PostgresStore AddMessage failed", "error", err, "phone", m.PhoneNumber)
		return 0, fmt.Errorf("failed to insert message for %s: %w", m.PhoneNumber, err)
	}
	slog.Debug("PostgresStore AddMessage succeeded", "phone", m.PhoneNumber, "sender", m.Sender, "id", id)
	return id, nil
}

// GetMessages retrieves the conversation history for a phone number in
// chronological order. A limit of 0 returns everything.
func (s *PostgresStore) GetMessages(phoneNumber string, limit int) ([]models.Message, error) {
	query := `SELECT id, phone_number, sender, body, transport_message_id, status, timestamp
		FROM messages WHERE phone_number = $1 ORDER BY timestamp ASC, id ASC`
	args := []interface{}{phoneNumber}
	if limit > 0 {
		query = `SELECT id, phone_number, sender, body, transport_message_id, status, timestamp FROM (
			SELECT id, phone_number, sender, body, transport_message_id, status, timestamp
			FROM messages WHERE phone_number = $1 ORDER BY timestamp DESC, id DESC LIMIT $2
		) recent ORDER BY timestamp ASC, id ASC`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetMessages query failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			slog.Error("PostgresStore GetMessages scan failed", "error", err)
			return nil, err
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	slog.Debug("PostgresStore GetMessages succeeded", "phone", phoneNumber, "count", len(messages))
	return messages, nil
}

// UpdateMessageStatus updates the delivery status of the history entry
// identified by its transport message ID.
func (s *PostgresStore) UpdateMessageStatus(transportMessageID string, status models.MessageStatus) error {
	_, err := s.db.Exec(`UPDATE messages SET status = $1 WHERE transport_message_id = $2`, status, transportMessageID)
	if err != nil {
		slog.Error("PostgresStore UpdateMessageStatus failed", "error", err, "transportMessageID", transportMessageID)
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

// ListConversations retrieves one summary row per known conversation,
// most recent activity first.
func (s *PostgresStore) ListConversations() ([]models.ConversationSummary, error) {
	query := `
		SELECT p.phone_number, p.first_name, p.last_name, p.company_name, p.email,
			COALESCE(cs.manual_mode, FALSE), m.body, m.timestamp
		FROM client_profiles p
		LEFT JOIN conversation_settings cs ON cs.phone_number = p.phone_number
		LEFT JOIN LATERAL (
			SELECT body, timestamp FROM messages
			WHERE phone_number = p.phone_number
			ORDER BY timestamp DESC, id DESC LIMIT 1
		) m ON TRUE
		ORDER BY m.timestamp DESC NULLS LAST`

	rows, err := s.db.Query(query)
	if err != nil {
		slog.Error("PostgresStore ListConversations query failed", "error", err)
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
			slog.Error("PostgresStore ListConversations scan failed", "error", err)
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
		return nil, fmt.Errorf("failed to iterate conversation rows: %w", err)
	}
	slog.Debug("PostgresStore ListConversations succeeded", "count", len(summaries))
	return summaries, nil
}

// GetSettings retrieves conversation settings, defaulting to automatic
// mode when no row exists yet.
func (s *PostgresStore) GetSettings(phoneNumber string) (models.ConversationSettings, error) {
	settings := models.ConversationSettings{PhoneNumber: phoneNumber}
	err := s.db.QueryRow(`SELECT manual_mode FROM conversation_settings WHERE phone_number = $1`, phoneNumber).
		Scan(&settings.ManualMode)
	if err == sql.ErrNoRows {
		return settings, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetSettings failed", "error", err, "phone", phoneNumber)
		return settings, fmt.Errorf("failed to get settings for %s: %w", phoneNumber, err)
	}
	return settings, nil
}

// SetManualMode switches a conversation between manual and automatic mode.
func (s *PostgresStore) SetManualMode(phoneNumber string, manual bool) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_settings (phone_number, manual_mode) VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET manual_mode = EXCLUDED.manual_mode`,
		phoneNumber, manual)
	if err != nil {
		slog.Error("PostgresStore SetManualMode failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to set manual mode for %s: %w", phoneNumber, err)
	}
	slog.Debug("PostgresStore SetManualMode succeeded", "phone", phoneNumber, "manual", manual)
	return nil
}

// GetNotes retrieves the agent notes for a conversation.
func (s *PostgresStore) GetNotes(phoneNumber string) (string, error) {
	var notes sql.NullString
	err := s.db.QueryRow(`SELECT notes FROM conversation_settings WHERE phone_number = $1`, phoneNumber).Scan(&notes)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		slog.Error("PostgresStore GetNotes failed", "error", err, "phone", phoneNumber)
		return "", fmt.Errorf("failed to get notes for %s: %w", phoneNumber, err)
	}
	return notes.String, nil
}

// SaveNotes stores the agent notes for a conversation.
func (s *PostgresStore) SaveNotes(phoneNumber, notes string) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_settings (phone_number, notes) VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET notes = EXCLUDED.notes`,
		phoneNumber, nilIfEmpty(notes))
	if err != nil {
		slog.Error("PostgresStore SaveNotes failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to save notes for %s: %w", phoneNumber, err)
	}
	return nil
}

// GetDraft retrieves the pending AI draft for a conversation, or nil if
// there is none.
func (s *PostgresStore) GetDraft(phoneNumber string) (*models.Draft, error) {
	var text sql.NullString
	var createdAt sql.NullTime
	err := s.db.QueryRow(`SELECT ai_draft, ai_draft_created_at FROM conversation_settings WHERE phone_number = $1`, phoneNumber).
		Scan(&text, &createdAt)
	if err == sql.ErrNoRows || (err == nil && !text.Valid) {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore GetDraft failed", "error", err, "phone", phoneNumber)
		return nil, fmt.Errorf("failed to get draft for %s: %w", phoneNumber, err)
	}
	d := models.Draft{PhoneNumber: phoneNumber, Text: text.String}
	if createdAt.Valid {
		d.CreatedAt = createdAt.Time
	}
	return &d, nil
}

// SaveDraft stores or replaces the pending AI draft for a conversation.
func (s *PostgresStore) SaveDraft(d models.Draft) error {
	_, err := s.db.Exec(`
		INSERT INTO conversation_settings (phone_number, ai_draft, ai_draft_created_at) VALUES ($1, $2, $3)
		ON CONFLICT (phone_number) DO UPDATE SET
			ai_draft = EXCLUDED.ai_draft,
			ai_draft_created_at = EXCLUDED.ai_draft_created_at`,
		d.PhoneNumber, d.Text, d.CreatedAt)
	if err != nil {
		slog.Error("PostgresStore SaveDraft failed", "error", err, "phone", d.PhoneNumber)
		return fmt.Errorf("failed to save draft for %s: %w", d.PhoneNumber, err)
	}
	return nil
}

// DeleteDraft discards the pending AI draft for a conversation.
func (s *PostgresStore) DeleteDraft(phoneNumber string) error {
	_, err := s.db.Exec(`UPDATE conversation_settings SET ai_draft = NULL, ai_draft_created_at = NULL WHERE phone_number = $1`, phoneNumber)
	if err != nil {
		slog.Error("PostgresStore DeleteDraft failed", "error", err, "phone", phoneNumber)
		return fmt.Errorf("failed to delete draft for %s: %w", phoneNumber, err)
	}
	return nil
}

// ListCannedResponses retrieves all canned quick replies.
func (s *PostgresStore) ListCannedResponses() ([]models.CannedResponse, error) {
	rows, err := s.db.Query(`SELECT id, shortcut, label, message, category, created_at FROM canned_responses ORDER BY shortcut ASC`)
	if err != nil {
		slog.Error("PostgresStore ListCannedResponses query failed", "error", err)
		return nil, fmt.Errorf("failed to query canned responses: %w", err)
	}
	defer rows.Close()

	var responses []models.CannedResponse
	for rows.Next() {
		c, err := scanCannedResponse(rows)
		if err != nil {
			slog.Error("PostgresStore ListCannedResponses scan failed", "error", err)
			return nil, err
		}
		responses = append(responses, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate canned response rows: %w", err)
	}
	return responses, nil
}

// AddCannedResponse stores a new canned quick reply and fills in its ID.
func (s *PostgresStore) AddCannedResponse(c *models.CannedResponse) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid canned response: %w", err)
	}
	err := s.db.QueryRow(
		`INSERT INTO canned_responses (shortcut, label, message, category) VALUES ($1, $2, $3, $4) RETURNING id`,
		c.Shortcut, c.Label, c.Message, nilIfEmpty(c.Category),
	).Scan(&c.ID)
	if err != nil {
		slog.Error("PostgresStore AddCannedResponse failed", "error", err, "shortcut", c.Shortcut)
		return fmt.Errorf("failed to insert canned response %s: %w", c.Shortcut, err)
	}
	return nil
}

// AddReceipt stores a delivery receipt.
func (s *PostgresStore) AddReceipt(r models.Receipt) error {
	_, err := s.db.Exec(
		`INSERT INTO receipts (recipient, transport_message_id, status, time) VALUES ($1, $2, $3, $4)`,
		r.To, nilIfEmpty(r.TransportMessageID), r.Status, r.Time,
	)
	if err != nil {
		slog.Error("PostgresStore AddReceipt failed", "error", err, "to", r.To)
		return fmt.Errorf("failed to insert receipt for %s: %w", r.To, err)
	}
	return nil
}

// GetReceipts retrieves all stored delivery receipts.
func (s *PostgresStore) GetReceipts() ([]models.Receipt, error) {
	rows, err := s.db.Query(`SELECT recipient, transport_message_id, status, time FROM receipts`)
	if err != nil {
		slog.Error("PostgresStore GetReceipts query failed", "error", err)
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []models.Receipt
	for rows.Next() {
		var r models.Receipt
		var transportID sql.NullString
		if err := rows.Scan(&r.To, &transportID, &r.Status, &r.Time); err != nil {
			slog.Error("PostgresStore GetReceipts scan failed", "error", err)
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

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
