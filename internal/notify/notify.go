// Package notify delivers profile completion notifications to an
// external automation webhook (Make/Zapier style). The payload carries
// the profile snapshot, an AI-generated conversation summary and the
// full transcript as both WhatsApp-styled HTML and plain text.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/matdac12/whatsapp-test01/internal/genai"
	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/store"
)

// Delivery configuration. Backoff doubles per attempt; a 429 response
// can stretch the wait via Retry-After.
const (
	MaxRetries     = 3
	RequestTimeout = 10 * time.Second
	userAgent      = "WhatsApp-Bot/1.0"
	maxAckBytes    = 64 * 1024
)

// fallbackSummary is sent when the summarizer is unavailable.
const fallbackSummary = "Riassunto non disponibile al momento. Riferirsi alla conversazione. Grazie"

var defaultBackoff = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// Opts holds configuration options for the notifier.
type Opts struct {
	WebhookURL string
	HTTPClient *http.Client
}

// Option defines a configuration option for the notifier.
type Option func(*Opts)

// WithWebhookURL sets the webhook endpoint.
func WithWebhookURL(url string) Option {
	return func(o *Opts) { o.WebhookURL = url }
}

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = client }
}

// Notifier posts completion events to the configured webhook.
type Notifier struct {
	webhookURL  string
	client      *http.Client
	store       store.Store
	genaiClient genai.ClientInterface
	backoff     []time.Duration
}

// NewNotifier creates a notifier over the given store and GenAI client.
// The webhook URL is required.
func NewNotifier(st store.Store, genaiClient genai.ClientInterface, opts ...Option) (*Notifier, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WebhookURL == "" {
		return nil, fmt.Errorf("webhook URL not set")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: RequestTimeout}
	}
	slog.Debug("Notifier initialized", "webhook_url", cfg.WebhookURL)
	return &Notifier{
		webhookURL:  cfg.WebhookURL,
		client:      cfg.HTTPClient,
		store:       st,
		genaiClient: genaiClient,
		backoff:     defaultBackoff,
	}, nil
}

// completionPayload is the wire format of a profile.completed event.
type completionPayload struct {
	Event             string          `json:"event"`
	EventID           string          `json:"event_id"`
	Timestamp         string          `json:"timestamp"`
	Profile           profileSnapshot `json:"profile"`
	Summary           string          `json:"summary"`
	ConversationHTML  string          `json:"conversation_html"`
	ConversationPlain string          `json:"conversation_plain"`
}

type profileSnapshot struct {
	PhoneNumber    string `json:"phone_number"`
	Name           string `json:"name"`
	LastName       string `json:"last_name"`
	RagioneSociale string `json:"ragione_sociale"`
	Email          string `json:"email"`
}

// ProfileCompleted assembles and delivers a profile.completed event.
// The summary is generated from the conversation transcript; when the
// summarizer fails, a fixed fallback string is sent instead.
func (n *Notifier) ProfileCompleted(ctx context.Context, profile models.Profile) error {
	messages, err := n.store.GetMessages(profile.PhoneNumber, 0)
	if err != nil {
		slog.Error("Notifier.ProfileCompleted failed to load messages", "error", err, "phone", profile.PhoneNumber)
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if len(messages) == 0 {
		slog.Warn("Notifier.ProfileCompleted no messages for conversation", "phone", profile.PhoneNumber)
		return fmt.Errorf("no messages found for %s", profile.PhoneNumber)
	}

	htmlTranscript := formatConversationHTML(messages, profile.Fields)
	plainTranscript := formatConversationPlain(messages, profile.Fields)

	summary, err := n.genaiClient.Summarize(ctx, plainTranscript)
	if err != nil || strings.TrimSpace(summary) == "" {
		slog.Warn("Notifier.ProfileCompleted summary generation failed, using fallback", "error", err, "phone", profile.PhoneNumber)
		summary = fallbackSummary
	}

	payload := completionPayload{
		Event:     "profile.completed",
		EventID:   uuid.NewString(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Profile: profileSnapshot{
			PhoneNumber:    profile.PhoneNumber,
			Name:           profile.Fields.FirstName,
			LastName:       profile.Fields.LastName,
			RagioneSociale: profile.Fields.CompanyName,
			Email:          profile.Fields.Email,
		},
		Summary:           summary,
		ConversationHTML:  htmlTranscript,
		ConversationPlain: plainTranscript,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	ack, err := n.postWithRetry(ctx, body)
	if err != nil {
		slog.Error("Notifier.ProfileCompleted delivery failed", "error", err, "phone", profile.PhoneNumber, "event_id", payload.EventID)
		return err
	}
	n.markSynced(profile.PhoneNumber, ack)
	slog.Info("Notifier.ProfileCompleted delivered", "phone", profile.PhoneNumber, "event_id", payload.EventID)
	return nil
}

// webhookAck is the optional acknowledgement body some automation
// endpoints return after creating the CRM contact.
type webhookAck struct {
	ContactID string `json:"contact_id"`
}

// markSynced records on the profile that the completion event reached
// the webhook, plus the CRM contact ID when the endpoint returned one.
// Failures here are logged only; the event was already delivered.
func (n *Notifier) markSynced(phoneNumber string, ackBody []byte) {
	p, err := n.store.GetProfile(phoneNumber)
	if err != nil || p == nil {
		slog.Warn("Notifier.markSynced failed to reload profile", "error", err, "phone", phoneNumber)
		return
	}
	p.CRMSynced = true
	var ack webhookAck
	if len(ackBody) > 0 {
		if err := json.Unmarshal(ackBody, &ack); err == nil && ack.ContactID != "" {
			p.CRMContactID = ack.ContactID
		}
	}
	if err := n.store.SaveProfile(p); err != nil {
		slog.Warn("Notifier.markSynced failed to save profile", "error", err, "phone", phoneNumber)
	}
}

// postWithRetry posts the payload with bounded retries and returns the
// response body of the successful attempt. Rate limiting responses
// stretch the wait via Retry-After; other failures back off 1s, 2s, 4s
// between attempts.
func (n *Notifier) postWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < MaxRetries; attempt++ {
		backoff := n.backoff[min(attempt, len(n.backoff)-1)]

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			slog.Warn("Notifier request failed", "error", err, "attempt", attempt+1, "max_attempts", MaxRetries)
		} else {
			status := resp.StatusCode
			retryAfterHeader := resp.Header.Get("Retry-After")
			ack, _ := io.ReadAll(io.LimitReader(resp.Body, maxAckBytes))
			resp.Body.Close()

			if status >= 200 && status < 300 {
				return ack, nil
			}
			lastErr = fmt.Errorf("webhook returned status %d", status)
			if status == http.StatusTooManyRequests {
				wait := parseRetryAfter(retryAfterHeader, backoff)
				slog.Warn("Notifier rate limited", "retry_after", wait, "attempt", attempt+1)
				if err := sleepCtx(ctx, wait); err != nil {
					return nil, err
				}
				continue
			}
			slog.Warn("Notifier request rejected", "status", status, "attempt", attempt+1, "max_attempts", MaxRetries)
		}

		if attempt < MaxRetries-1 {
			if err := sleepCtx(ctx, backoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("webhook delivery failed after %d attempts: %w", MaxRetries, lastErr)
}

// parseRetryAfter converts a Retry-After header value into a wait
// duration. Both the delta-seconds and HTTP-date forms are accepted;
// anything unparseable falls back to the caller's backoff.
func parseRetryAfter(headerValue string, fallback time.Duration) time.Duration {
	candidate := strings.TrimSpace(headerValue)
	if candidate == "" {
		return fallback
	}
	if seconds, err := strconv.ParseFloat(candidate, 64); err == nil {
		if seconds >= 0 {
			return time.Duration(seconds * float64(time.Second))
		}
		return fallback
	}
	if retryAt, err := http.ParseTime(candidate); err == nil {
		if wait := time.Until(retryAt); wait > 0 {
			return wait
		}
	}
	return fallback
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// formatConversationHTML renders the conversation as WhatsApp-style
// bubbles: user messages in green on the right, assistant messages in
// gray on the left.
func formatConversationHTML(messages []models.Message, fields models.ProfileFields) string {
	var sb strings.Builder
	sb.WriteString(`<div style="font-family: Arial, sans-serif; max-width: 800px; margin: 20px 0;">`)
	sb.WriteString(`<h3 style="margin: 0 0 12px 0;">Conversazione WhatsApp</h3>`)
	sb.WriteString(`<div style="border: 1px solid #ddd; border-radius: 5px; padding: 16px; background: #fff;">`)

	userName := html.EscapeString(transcriptUserName(fields))
	for _, m := range messages {
		timestamp := html.EscapeString(formatTimestamp(m.Timestamp))
		text := strings.ReplaceAll(html.EscapeString(m.Body), "\n", "<br>")

		if m.Sender == models.SenderUser {
			sb.WriteString(`<div style="margin: 10px 0; display: flex; justify-content: flex-end;">`)
			sb.WriteString(`<div style="background: #dcf8c6; padding: 10px 15px; border-radius: 10px; max-width: 70%; box-shadow: 0 1px 2px rgba(0,0,0,0.1);">`)
			fmt.Fprintf(&sb, `<div style="font-size: 12px; color: #666; margin-bottom: 5px;">%s - %s</div>`, userName, timestamp)
		} else {
			sb.WriteString(`<div style="margin: 10px 0; display: flex; justify-content: flex-start;">`)
			sb.WriteString(`<div style="background: #f0f0f0; padding: 10px 15px; border-radius: 10px; max-width: 70%; box-shadow: 0 1px 2px rgba(0,0,0,0.1);">`)
			fmt.Fprintf(&sb, `<div style="font-size: 12px; color: #666; margin-bottom: 5px;">Assistente - %s</div>`, timestamp)
		}
		fmt.Fprintf(&sb, `<div>%s</div></div></div>`, text)
	}

	sb.WriteString(`</div></div>`)
	return sb.String()
}

// formatConversationPlain renders the conversation as one line per
// message, the form handed to the summarizer.
func formatConversationPlain(messages []models.Message, fields models.ProfileFields) string {
	userName := transcriptUserName(fields)
	lines := make([]string, 0, len(messages))
	for _, m := range messages {
		sender := "Assistente"
		if m.Sender == models.SenderUser {
			sender = userName
		}
		lines = append(lines, fmt.Sprintf("[%s] %s: %s", formatTimestamp(m.Timestamp), sender, m.Body))
	}
	return strings.Join(lines, "\n")
}

func transcriptUserName(fields models.ProfileFields) string {
	name := fields.FirstName
	if name == "" {
		name = "Utente"
	}
	if fields.LastName != "" {
		name += " " + fields.LastName
	}
	return name
}

// formatTimestamp formats a message timestamp for the Italian locale.
func formatTimestamp(t time.Time) string {
	return t.Format("02/01/2006 15:04")
}
