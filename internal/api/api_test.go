package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go"

	"github.com/matdac12/whatsapp-test01/internal/bot"
	"github.com/matdac12/whatsapp-test01/internal/messaging"
	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/store"
	"github.com/matdac12/whatsapp-test01/internal/twiliowhatsapp"
	"github.com/matdac12/whatsapp-test01/internal/whatsapp"
)

type fakeGenAI struct {
	reply string
}

func (f *fakeGenAI) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	if f.reply == "" {
		return "Risposta di prova", nil
	}
	return f.reply, nil
}

func (f *fakeGenAI) ExtractFields(ctx context.Context, message string, known models.ProfileFields) (models.FieldUpdate, error) {
	return models.FieldUpdate{}, nil
}

func (f *fakeGenAI) Summarize(ctx context.Context, transcript string) (string, error) {
	return "riassunto", nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	count int
}

func (f *fakeNotifier) ProfileCompleted(ctx context.Context, p models.Profile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	return nil
}

type testEnv struct {
	server   *httptest.Server
	store    *store.InMemoryStore
	mock     *whatsapp.MockClient
	notifier *fakeNotifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mock := whatsapp.NewMockClient()
	svc := messaging.NewWhatsAppService(mock)
	st := store.NewInMemoryStore()
	notifier := &fakeNotifier{}
	b := bot.NewBot(st, svc, &fakeGenAI{}, bot.WithNotifier(notifier))
	srv := NewServer(st, svc, b)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{server: ts, store: st, mock: mock, notifier: notifier}
}

type envelope struct {
	Status models.APIStatus `json:"status"`
	Result json.RawMessage  `json:"result"`
	Error  string           `json:"error"`
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return resp, env
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)
	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body.Status != models.APIStatusOK {
		t.Errorf("expected ok status, got %q", body.Status)
	}
}

func TestProfileEndpoints(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL + "/profiles/+393331234567"

	resp, _ := doJSON(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing profile, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPut, base, map[string]string{
		"first_name": "Mario",
		"last_name":  "Rossi",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on create, got %d", resp.StatusCode)
	}

	resp, env2 := doJSON(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var p models.Profile
	if err := json.Unmarshal(env2.Result, &p); err != nil {
		t.Fatalf("failed to decode profile: %v", err)
	}
	if p.Fields.FirstName != "Mario" || p.Fields.LastName != "Rossi" {
		t.Errorf("unexpected fields: %+v", p.Fields)
	}
	if p.Complete {
		t.Error("profile should be incomplete")
	}

	resp, _ = doJSON(t, http.MethodPut, base, map[string]string{"email": "not-an-email"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid email, got %d", resp.StatusCode)
	}
}

func TestPutProfileCompletionLatchAndWebhook(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL + "/profiles/+393331234567"

	resp, _ := doJSON(t, http.MethodPut, base, map[string]string{
		"first_name":   "Mario",
		"last_name":    "Rossi",
		"company_name": "Acme Corp",
		"email":        "mario@acme.com",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if env.notifier.count != 1 {
		t.Fatalf("expected completion webhook once, got %d", env.notifier.count)
	}

	stored, _ := env.store.GetProfile("393331234567")
	if stored == nil || !stored.Complete || stored.CompletedAt == nil {
		t.Fatalf("expected complete profile with latch, got %+v", stored)
	}
	completedAt := *stored.CompletedAt

	// Clearing a field un-completes the profile but keeps the latch,
	// and re-completing must not fire the webhook again.
	resp, _ = doJSON(t, http.MethodPut, base, map[string]string{"email": ""})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	stored, _ = env.store.GetProfile("393331234567")
	if stored.Complete {
		t.Error("profile should be incomplete after clearing email")
	}
	if stored.CompletedAt == nil || !stored.CompletedAt.Equal(completedAt) {
		t.Error("completed_at latch must survive field clearing")
	}
}

func TestSettingsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL + "/conversations/+393331234567/settings"

	resp, body := doJSON(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var settings models.ConversationSettings
	if err := json.Unmarshal(body.Result, &settings); err != nil {
		t.Fatalf("failed to decode settings: %v", err)
	}
	if settings.ManualMode {
		t.Error("manual mode should default to false")
	}

	resp, _ = doJSON(t, http.MethodPut, base, settingsRequest{ManualMode: true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	stored, _ := env.store.GetSettings("393331234567")
	if !stored.ManualMode {
		t.Error("manual mode should be enabled")
	}
}

func TestSendEndpoint(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL + "/conversations/+393331234567/send"

	resp, _ := doJSON(t, http.MethodPost, base, sendRequest{Body: ""})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, base, sendRequest{Body: "Buongiorno dal supporto"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if len(env.mock.SentMessages) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(env.mock.SentMessages))
	}
	settings, _ := env.store.GetSettings("393331234567")
	if !settings.ManualMode {
		t.Error("human send must flip the conversation to manual")
	}
}

func TestDraftEndpoints(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL + "/conversations/+393331234567/draft"

	resp, _ := doJSON(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without draft, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/regenerate", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 without user message, got %d", resp.StatusCode)
	}

	if err := env.store.SaveDraft(models.Draft{PhoneNumber: "393331234567", Text: "Bozza", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("SaveDraft failed: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var draft models.Draft
	if err := json.Unmarshal(body.Result, &draft); err != nil {
		t.Fatalf("failed to decode draft: %v", err)
	}
	if draft.Text != "Bozza" {
		t.Errorf("unexpected draft text %q", draft.Text)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/approve", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on approve, got %d", resp.StatusCode)
	}
	if len(env.mock.SentMessages) != 1 || env.mock.SentMessages[0].Body != "Bozza" {
		t.Errorf("expected draft to be sent, got %+v", env.mock.SentMessages)
	}

	resp, _ = doJSON(t, http.MethodPost, base+"/approve", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second approve, got %d", resp.StatusCode)
	}

	// With a user message in history, regeneration produces a new draft.
	if _, err := env.store.AddMessage(models.Message{
		PhoneNumber: "393331234567",
		Sender:      models.SenderUser,
		Body:        "Ciao",
		Timestamp:   time.Now(),
	}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}
	resp, body = doJSON(t, http.MethodPost, base+"/regenerate", regenerateRequest{Instructions: "Tono formale"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on regenerate, got %d", resp.StatusCode)
	}
	if err := json.Unmarshal(body.Result, &draft); err != nil {
		t.Fatalf("failed to decode draft: %v", err)
	}
	if draft.Text != "Risposta di prova" {
		t.Errorf("unexpected regenerated draft %q", draft.Text)
	}
	notes, _ := env.store.GetNotes("393331234567")
	if notes != "Tono formale" {
		t.Errorf("expected instructions persisted to notes, got %q", notes)
	}
}

func TestCannedResponseEndpoints(t *testing.T) {
	env := newTestEnv(t)
	base := env.server.URL + "/canned-responses"

	resp, _ := doJSON(t, http.MethodPost, base, models.CannedResponse{Label: "Saluto", Message: "Buongiorno!"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing shortcut, got %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, base, models.CannedResponse{Shortcut: "/saluto", Label: "Saluto", Message: "Buongiorno!"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, base, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var list []models.CannedResponse
	if err := json.Unmarshal(body.Result, &list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list) != 1 || list[0].Shortcut != "/saluto" {
		t.Errorf("unexpected canned responses: %+v", list)
	}
}

func TestMessagesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	if _, err := env.store.AddMessage(models.Message{
		PhoneNumber: "393331234567",
		Sender:      models.SenderUser,
		Body:        "Ciao",
		Timestamp:   time.Now(),
	}); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	resp, body := doJSON(t, http.MethodGet, env.server.URL+"/conversations/+393331234567/messages", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var messages []models.Message
	if err := json.Unmarshal(body.Result, &messages); err != nil {
		t.Fatalf("failed to decode messages: %v", err)
	}
	if len(messages) != 1 || messages[0].Body != "Ciao" {
		t.Errorf("unexpected messages: %+v", messages)
	}

	resp, _ = doJSON(t, http.MethodGet, env.server.URL+"/conversations/+393331234567/messages?limit=abc", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", resp.StatusCode)
	}
}

func TestTwilioWebhookMountedForTwilioTransport(t *testing.T) {
	svc := messaging.NewTwilioService(twiliowhatsapp.NewMockClient())
	st := store.NewInMemoryStore()
	b := bot.NewBot(st, svc, &fakeGenAI{})
	ts := httptest.NewServer(NewServer(st, svc, b).Router())
	t.Cleanup(ts.Close)

	form := url.Values{}
	form.Set("From", "whatsapp:+393331234567")
	form.Set("Body", "Ciao")
	form.Set("MessageSid", "SM123")
	resp, err := http.PostForm(ts.URL+"/webhook/twilio", form)
	if err != nil {
		t.Fatalf("webhook request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from webhook, got %d", resp.StatusCode)
	}

	select {
	case got := <-svc.Responses():
		if got.Body != "Ciao" || got.MessageID != "SM123" {
			t.Errorf("unexpected inbound response: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message never reached the responses channel")
	}
}

func TestTwilioWebhookAbsentForWhatsAppTransport(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.PostForm(env.server.URL+"/webhook/twilio", url.Values{"From": {"whatsapp:+393331234567"}})
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatal("webhook route should not exist on the whatsmeow transport")
	}
}
