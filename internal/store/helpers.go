package store

import (
	"database/sql"
	"fmt"

	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/profile"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner abstracts sql.Row and sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanProfile scans a client profile row.
func scanProfile(row rowScanner) (models.Profile, error) {
	var p models.Profile
	var firstName, lastName, companyName, email, crmContactID sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&p.PhoneNumber, &firstName, &lastName, &companyName, &email,
		&p.CreatedAt, &p.UpdatedAt, &completedAt, &p.CRMSynced, &crmContactID,
	)
	if err != nil {
		return p, err
	}
	p.Fields.FirstName = firstName.String
	p.Fields.LastName = lastName.String
	p.Fields.CompanyName = companyName.String
	p.Fields.Email = email.String
	p.CRMContactID = crmContactID.String
	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	p.Complete = p.Fields.Complete()
	p.MissingDescription = profile.MissingDescription(p.Fields)
	return p, nil
}

// scanMessage scans a conversation history row.
func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var transportID, status sql.NullString
	err := row.Scan(&m.ID, &m.PhoneNumber, &m.Sender, &m.Body, &transportID, &status, &m.Timestamp)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.TransportMessageID = transportID.String
	m.Status = models.MessageStatus(status.String)
	return m, nil
}

// scanCannedResponse scans a canned response row.
func scanCannedResponse(row rowScanner) (models.CannedResponse, error) {
	var c models.CannedResponse
	var category sql.NullString
	err := row.Scan(&c.ID, &c.Shortcut, &c.Label, &c.Message, &category, &c.CreatedAt)
	if err != nil {
		return c, fmt.Errorf("scan canned response failed: %w", err)
	}
	c.Category = category.String
	return c, nil
}
