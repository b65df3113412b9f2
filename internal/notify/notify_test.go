package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/store"
)

type fakeSummarizer struct {
	summary string
	err     error
}

func (f *fakeSummarizer) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	return "", nil
}

func (f *fakeSummarizer) ExtractFields(ctx context.Context, message string, known models.ProfileFields) (models.FieldUpdate, error) {
	return models.FieldUpdate{}, nil
}

func (f *fakeSummarizer) Summarize(ctx context.Context, transcript string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.summary, nil
}

func seedConversation(t *testing.T, st store.Store, phone string) {
	t.Helper()
	now := time.Date(2025, 3, 14, 10, 30, 0, 0, time.UTC)
	msgs := []models.Message{
		{PhoneNumber: phone, Sender: models.SenderUser, Body: "Ciao, sono Mario Rossi", Timestamp: now},
		{PhoneNumber: phone, Sender: models.SenderBot, Body: "Benvenuto!\nCome posso aiutarla?", Timestamp: now.Add(time.Minute)},
		{PhoneNumber: phone, Sender: models.SenderUser, Body: "mario@acme.com", Timestamp: now.Add(2 * time.Minute)},
	}
	for _, m := range msgs {
		if _, err := st.AddMessage(m); err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
	}
}

func completeProfile(phone string) models.Profile {
	now := time.Now()
	return models.Profile{
		PhoneNumber: phone,
		Fields: models.ProfileFields{
			FirstName:   "Mario",
			LastName:    "Rossi",
			CompanyName: "Acme Corp",
			Email:       "mario@acme.com",
		},
		Complete:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
		CompletedAt: &now,
	}
}

func TestProfileCompletedPostsPayload(t *testing.T) {
	var received completionPayload
	var gotUserAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserAgent = r.Header.Get("User-Agent")
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	st := store.NewInMemoryStore()
	seedConversation(t, st, "393331234567")

	notifier, err := NewNotifier(st, &fakeSummarizer{summary: "Mario Rossi di Acme Corp cerca assistenza."}, WithWebhookURL(server.URL))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}

	if err := notifier.ProfileCompleted(context.Background(), completeProfile("393331234567")); err != nil {
		t.Fatalf("ProfileCompleted failed: %v", err)
	}

	if received.Event != "profile.completed" {
		t.Errorf("expected event profile.completed, got %q", received.Event)
	}
	if received.EventID == "" {
		t.Error("expected a non-empty event ID")
	}
	if received.Profile.Name != "Mario" || received.Profile.RagioneSociale != "Acme Corp" {
		t.Errorf("unexpected profile snapshot: %+v", received.Profile)
	}
	if received.Summary != "Mario Rossi di Acme Corp cerca assistenza." {
		t.Errorf("unexpected summary: %q", received.Summary)
	}
	if !strings.Contains(received.ConversationHTML, "Mario Rossi") {
		t.Error("HTML transcript should carry the user display name")
	}
	if !strings.Contains(received.ConversationHTML, "Benvenuto!<br>Come posso aiutarla?") {
		t.Error("HTML transcript should escape newlines as <br>")
	}
	if !strings.Contains(received.ConversationPlain, "[14/03/2025 10:30] Mario Rossi: Ciao, sono Mario Rossi") {
		t.Errorf("unexpected plain transcript: %q", received.ConversationPlain)
	}
	if !strings.Contains(received.ConversationPlain, "Assistente:") {
		t.Error("plain transcript should label assistant messages")
	}
	if gotUserAgent != "WhatsApp-Bot/1.0" {
		t.Errorf("unexpected user agent %q", gotUserAgent)
	}
}

func TestProfileCompletedRetriesUntilSuccess(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	st := store.NewInMemoryStore()
	seedConversation(t, st, "393331234567")

	notifier, err := NewNotifier(st, &fakeSummarizer{summary: "ok"}, WithWebhookURL(server.URL))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	notifier.backoff = []time.Duration{0, 0, 0}

	if err := notifier.ProfileCompleted(context.Background(), completeProfile("393331234567")); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("expected 3 attempts, got %d", got)
	}
}

func TestProfileCompletedGivesUpAfterMaxRetries(t *testing.T) {
	var attempts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	st := store.NewInMemoryStore()
	seedConversation(t, st, "393331234567")

	notifier, err := NewNotifier(st, &fakeSummarizer{summary: "ok"}, WithWebhookURL(server.URL))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	notifier.backoff = []time.Duration{0, 0, 0}

	if err := notifier.ProfileCompleted(context.Background(), completeProfile("393331234567")); err == nil {
		t.Fatal("expected delivery error after exhausting retries")
	}
	if got := atomic.LoadInt32(&attempts); got != MaxRetries {
		t.Errorf("expected %d attempts, got %d", MaxRetries, got)
	}
}

func TestProfileCompletedSummaryFallback(t *testing.T) {
	var received completionPayload
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	st := store.NewInMemoryStore()
	seedConversation(t, st, "393331234567")

	notifier, err := NewNotifier(st, &fakeSummarizer{err: errors.New("model unavailable")}, WithWebhookURL(server.URL))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}

	if err := notifier.ProfileCompleted(context.Background(), completeProfile("393331234567")); err != nil {
		t.Fatalf("ProfileCompleted failed: %v", err)
	}
	if received.Summary != fallbackSummary {
		t.Errorf("expected fallback summary, got %q", received.Summary)
	}
}

func TestProfileCompletedRequiresMessages(t *testing.T) {
	st := store.NewInMemoryStore()
	notifier, err := NewNotifier(st, &fakeSummarizer{summary: "ok"}, WithWebhookURL("http://localhost:1"))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	if err := notifier.ProfileCompleted(context.Background(), completeProfile("393331234567")); err == nil {
		t.Fatal("expected error for a conversation with no messages")
	}
}

func TestNewNotifierRequiresURL(t *testing.T) {
	if _, err := NewNotifier(store.NewInMemoryStore(), &fakeSummarizer{}); err == nil {
		t.Fatal("expected error when webhook URL is missing")
	}
}

func TestParseRetryAfter(t *testing.T) {
	fallback := 2 * time.Second
	cases := []struct {
		name   string
		header string
		want   time.Duration
	}{
		{"empty", "", fallback},
		{"seconds", "5", 5 * time.Second},
		{"fractional", "0.5", 500 * time.Millisecond},
		{"negative", "-3", fallback},
		{"garbage", "soon", fallback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseRetryAfter(tc.header, fallback); got != tc.want {
				t.Errorf("parseRetryAfter(%q) = %v, want %v", tc.header, got, tc.want)
			}
		})
	}

	future := time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future, fallback)
	if got < 25*time.Second || got > 30*time.Second {
		t.Errorf("HTTP date Retry-After = %v, want about 30s", got)
	}
	past := time.Now().Add(-30 * time.Second).UTC().Format(http.TimeFormat)
	if got := parseRetryAfter(past, fallback); got != fallback {
		t.Errorf("past HTTP date should fall back, got %v", got)
	}
}

func TestProfileCompletedRecordsCRMSync(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"contact_id":"crm-42"}`))
	}))
	defer server.Close()

	st := store.NewInMemoryStore()
	seedConversation(t, st, "393331234567")
	profile := completeProfile("393331234567")
	if err := st.SaveProfile(&profile); err != nil {
		t.Fatalf("SaveProfile failed: %v", err)
	}

	notifier, err := NewNotifier(st, &fakeSummarizer{summary: "ok"}, WithWebhookURL(server.URL))
	if err != nil {
		t.Fatalf("NewNotifier failed: %v", err)
	}
	if err := notifier.ProfileCompleted(context.Background(), profile); err != nil {
		t.Fatalf("ProfileCompleted failed: %v", err)
	}

	got, err := st.GetProfile("393331234567")
	if err != nil || got == nil {
		t.Fatalf("GetProfile failed: %v", err)
	}
	if !got.CRMSynced {
		t.Error("profile should be marked CRM-synced after delivery")
	}
	if got.CRMContactID != "crm-42" {
		t.Errorf("expected contact ID crm-42, got %q", got.CRMContactID)
	}
}
