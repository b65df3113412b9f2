// Package store provides storage backends for the intake bot.
//
// This file implements an in-memory store used by tests and by
// short-lived tooling that does not need persistence.
package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/profile"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type InMemoryStore struct {
	mu        sync.Mutex
	profiles  map[string]models.Profile
	dedup     map[string]dedupRecord
	messages  []models.Message
	nextMsgID int64
	settings  map[string]memorySettings
	canned    []models.CannedResponse
	receipts  []models.Receipt
}

type dedupRecord struct {
	phoneNumber string
	receivedAt  time.Time
	processedAt *time.Time
}

type memorySettings struct {
	manualMode bool
	notes      string
	draft      *models.Draft
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles:  make(map[string]models.Profile),
		dedup:     make(map[string]dedupRecord),
		settings:  make(map[string]memorySettings),
		nextMsgID: 1,
	}
}

func (s *InMemoryStore) GetProfile(phoneNumber string) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[phoneNumber]
	if !ok {
		return nil, nil
	}
	// Derived attributes are recomputed on load, as the SQL backends do.
	p.Complete = p.Fields.Complete()
	p.MissingDescription = profile.MissingDescription(p.Fields)
	return &p, nil
}

func (s *InMemoryStore) SaveProfile(p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.PhoneNumber] = *p
	return nil
}

func (s *InMemoryStore) ListProfiles() ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	profiles := make([]models.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		p.Complete = p.Fields.Complete()
		p.MissingDescription = profile.MissingDescription(p.Fields)
		profiles = append(profiles, p)
	}
	sort.Slice(profiles, func(i, j int) bool {
		return profiles[i].UpdatedAt.After(profiles[j].UpdatedAt)
	})
	return profiles, nil
}

func (s *InMemoryStore) RecordInboundMessage(messageID, phoneNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.dedup[messageID]; exists {
		return false, nil
	}
	s.dedup[messageID] = dedupRecord{phoneNumber: phoneNumber, receivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkMessageProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return fmt.Errorf("unknown message id %s", messageID)
	}
	now := time.Now()
	rec.processedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) CleanupProcessedMessages(olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.dedup {
		if rec.receivedAt.Before(olderThan) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddMessage(m models.Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.nextMsgID
	s.nextMsgID++
	s.messages = append(s.messages, m)
	return m.ID, nil
}

func (s *InMemoryStore) GetMessages(phoneNumber string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var messages []models.Message
	for _, m := range s.messages {
		if m.PhoneNumber == phoneNumber {
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Timestamp.Equal(messages[j].Timestamp) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].Timestamp.Before(messages[j].Timestamp)
	})
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return messages, nil
}

func (s *InMemoryStore) UpdateMessageStatus(transportMessageID string, status models.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.messages {
		if s.messages[i].TransportMessageID == transportMessageID {
			s.messages[i].Status = status
		}
	}
	return nil
}

func (s *InMemoryStore) ListConversations() ([]models.ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var summaries []models.ConversationSummary
	for phone, p := range s.profiles {
		cs := models.ConversationSummary{
			PhoneNumber: phone,
			DisplayName: displayNameFromFields(p.Fields),
			Email:       p.Fields.Email,
			CompanyName: p.Fields.CompanyName,
			Complete:    p.Fields.Complete(),
			ManualMode:  s.settings[phone].manualMode,
		}
		for _, m := range s.messages {
			if m.PhoneNumber != phone {
				continue
			}
			if cs.LastTimestamp == nil || m.Timestamp.After(*cs.LastTimestamp) {
				t := m.Timestamp
				cs.LastTimestamp = &t
				cs.LastMessage = m.Body
			}
		}
		summaries = append(summaries, cs)
	}
	sort.Slice(summaries, func(i, j int) bool {
		ti, tj := summaries[i].LastTimestamp, summaries[j].LastTimestamp
		switch {
		case ti == nil:
			return false
		case tj == nil:
			return true
		default:
			return ti.After(*tj)
		}
	})
	return summaries, nil
}

func (s *InMemoryStore) GetSettings(phoneNumber string) (models.ConversationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.ConversationSettings{
		PhoneNumber: phoneNumber,
		ManualMode:  s.settings[phoneNumber].manualMode,
	}, nil
}

func (s *InMemoryStore) SetManualMode(phoneNumber string, manual bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.settings[phoneNumber]
	cfg.manualMode = manual
	s.settings[phoneNumber] = cfg
	return nil
}

func (s *InMemoryStore) GetNotes(phoneNumber string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings[phoneNumber].notes, nil
}

func (s *InMemoryStore) SaveNotes(phoneNumber, notes string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.settings[phoneNumber]
	cfg.notes = notes
	s.settings[phoneNumber] = cfg
	return nil
}

func (s *InMemoryStore) GetDraft(phoneNumber string) (*models.Draft, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.settings[phoneNumber].draft
	if d == nil {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (s *InMemoryStore) SaveDraft(d models.Draft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.settings[d.PhoneNumber]
	cfg.draft = &d
	s.settings[d.PhoneNumber] = cfg
	return nil
}

func (s *InMemoryStore) DeleteDraft(phoneNumber string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg := s.settings[phoneNumber]
	cfg.draft = nil
	s.settings[phoneNumber] = cfg
	return nil
}

func (s *InMemoryStore) ListCannedResponses() ([]models.CannedResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.CannedResponse, len(s.canned))
	copy(out, s.canned)
	sort.Slice(out, func(i, j int) bool { return out[i].Shortcut < out[j].Shortcut })
	return out, nil
}

func (s *InMemoryStore) AddCannedResponse(c *models.CannedResponse) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid canned response: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.canned {
		if existing.Shortcut == c.Shortcut {
			return fmt.Errorf("shortcut %s already exists", c.Shortcut)
		}
	}
	c.ID = int64(len(s.canned) + 1)
	c.CreatedAt = time.Now()
	s.canned = append(s.canned, *c)
	return nil
}

func (s *InMemoryStore) AddReceipt(r models.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receipts = append(s.receipts, r)
	return nil
}

func (s *InMemoryStore) GetReceipts() ([]models.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Receipt, len(s.receipts))
	copy(out, s.receipts)
	return out, nil
}

func (s *InMemoryStore) Close() error { return nil }
