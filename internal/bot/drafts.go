package bot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/matdac12/whatsapp-test01/internal/genai"
	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/profile"
)

// ApproveDraft sends the pending draft for a conversation through the
// manual send path and clears it. Returns models.ErrNoDraft when there
// is nothing to approve.
func (b *Bot) ApproveDraft(ctx context.Context, phoneNumber string) (string, error) {
	canonical, err := b.msgService.ValidateAndCanonicalizeRecipient(phoneNumber)
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}

	unlock := b.locks.lock(canonical)
	defer unlock()

	draft, err := b.store.GetDraft(canonical)
	if err != nil {
		slog.Error("Bot.ApproveDraft failed to load draft", "error", err, "phone", canonical)
		return "", fmt.Errorf("failed to load draft: %w", err)
	}
	if draft == nil {
		return "", models.ErrNoDraft
	}

	if _, err := b.sendAndRecord(ctx, canonical, draft.Text, time.Now()); err != nil {
		slog.Error("Bot.ApproveDraft send failed", "error", err, "phone", canonical)
		return "", err
	}
	// Approving is a human-originated send, so the conversation stays
	// under manual control.
	if err := b.store.SetManualMode(canonical, true); err != nil {
		slog.Warn("Bot.ApproveDraft failed to set manual mode", "error", err, "phone", canonical)
	}
	if err := b.store.DeleteDraft(canonical); err != nil {
		slog.Warn("Bot.ApproveDraft failed to clear draft", "error", err, "phone", canonical)
	}
	slog.Info("Bot.ApproveDraft draft approved and sent", "phone", canonical)
	return draft.Text, nil
}

// DiscardDraft deletes the pending draft for a conversation. Returns
// models.ErrNoDraft when there is none.
func (b *Bot) DiscardDraft(phoneNumber string) error {
	canonical, err := b.msgService.ValidateAndCanonicalizeRecipient(phoneNumber)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	unlock := b.locks.lock(canonical)
	defer unlock()

	draft, err := b.store.GetDraft(canonical)
	if err != nil {
		return fmt.Errorf("failed to load draft: %w", err)
	}
	if draft == nil {
		return models.ErrNoDraft
	}
	if err := b.store.DeleteDraft(canonical); err != nil {
		slog.Error("Bot.DiscardDraft failed", "error", err, "phone", canonical)
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	slog.Info("Bot.DiscardDraft draft discarded", "phone", canonical)
	return nil
}

// RegenerateDraft re-runs reply generation from the stored history and
// replaces the pending draft. Optional extra instructions are appended
// to the persistent agent notes before generation. Requires at least
// one prior user message; otherwise models.ErrNoUserMessage is
// returned.
func (b *Bot) RegenerateDraft(ctx context.Context, phoneNumber, extraInstructions string) (*models.Draft, error) {
	canonical, err := b.msgService.ValidateAndCanonicalizeRecipient(phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	unlock := b.locks.lock(canonical)
	defer unlock()

	history, err := b.store.GetMessages(canonical, b.historyLimit)
	if err != nil {
		slog.Error("Bot.RegenerateDraft failed to load history", "error", err, "phone", canonical)
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	if !hasUserMessage(history) {
		return nil, models.ErrNoUserMessage
	}

	notes, err := b.store.GetNotes(canonical)
	if err != nil {
		slog.Warn("Bot.RegenerateDraft failed to load notes", "error", err, "phone", canonical)
		notes = ""
	}
	if extra := strings.TrimSpace(extraInstructions); extra != "" {
		if notes != "" {
			notes = notes + "\n" + extra
		} else {
			notes = extra
		}
		if len(notes) > models.MaxNotesLength {
			return nil, models.ErrNotesTooLong
		}
		if err := b.store.SaveNotes(canonical, notes); err != nil {
			slog.Error("Bot.RegenerateDraft failed to save notes", "error", err, "phone", canonical)
			return nil, fmt.Errorf("failed to save notes: %w", err)
		}
	}

	p, _, err := b.loadOrCreateProfile(canonical, time.Now())
	if err != nil {
		return nil, err
	}

	systemPrompt := buildReplySystemPrompt(p, notes, false)
	reply, err := b.genaiClient.GenerateWithMessages(ctx, genai.BuildConversationMessages(systemPrompt, history, ""))
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Error("Bot.RegenerateDraft generation failed, using fallback", "error", err, "phone", canonical)
		reply = FallbackReply
	}

	draft := models.Draft{PhoneNumber: canonical, Text: reply, CreatedAt: time.Now()}
	if err := b.store.SaveDraft(draft); err != nil {
		slog.Error("Bot.RegenerateDraft failed to save draft", "error", err, "phone", canonical)
		return nil, fmt.Errorf("failed to save draft: %w", err)
	}
	slog.Info("Bot.RegenerateDraft draft replaced", "phone", canonical)
	return &draft, nil
}

// SendManual sends an agent-written message to a conversation and flips
// it into manual mode. Any pending draft is left in place; the agent
// decides its fate separately.
func (b *Bot) SendManual(ctx context.Context, phoneNumber, body string) (string, error) {
	if strings.TrimSpace(body) == "" {
		return "", models.ErrEmptyBody
	}
	if len(body) > models.MaxMessageBodyLength {
		return "", models.ErrBodyTooLong
	}
	canonical, err := b.msgService.ValidateAndCanonicalizeRecipient(phoneNumber)
	if err != nil {
		return "", fmt.Errorf("invalid recipient: %w", err)
	}

	unlock := b.locks.lock(canonical)
	defer unlock()

	transportID, err := b.sendAndRecord(ctx, canonical, body, time.Now())
	if err != nil {
		slog.Error("Bot.SendManual send failed", "error", err, "phone", canonical)
		return "", err
	}
	if err := b.store.SetManualMode(canonical, true); err != nil {
		slog.Warn("Bot.SendManual failed to set manual mode", "error", err, "phone", canonical)
	}
	slog.Info("Bot.SendManual message sent", "phone", canonical)
	return transportID, nil
}

// ProfileEdit carries a dashboard profile edit. Nil fields are left
// untouched; explicitly blank fields are cleared.
type ProfileEdit struct {
	FirstName   *string
	LastName    *string
	CompanyName *string
	Email       *string
}

// EditProfile applies a manual dashboard edit under the same
// per-conversation lock as the inbound pipeline, so the edit can never
// be overwritten by an in-flight message run saving its stale copy.
// Completion is recomputed but the completed-at latch survives clearing
// fields; a first-time completion through the dashboard fires the same
// notification as the conversational path.
func (b *Bot) EditProfile(ctx context.Context, phoneNumber string, edit ProfileEdit) (*models.Profile, error) {
	canonical, err := b.msgService.ValidateAndCanonicalizeRecipient(phoneNumber)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %w", err)
	}

	unlock := b.locks.lock(canonical)
	defer unlock()

	now := time.Now()
	p, _, err := b.loadOrCreateProfile(canonical, now)
	if err != nil {
		return nil, err
	}

	result := profile.Set(p, edit.FirstName, edit.LastName, edit.CompanyName, edit.Email, now)
	if err := b.store.SaveProfile(p); err != nil {
		slog.Error("Bot.EditProfile save failed", "error", err, "phone", canonical)
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	slog.Info("Bot.EditProfile profile updated", "phone", canonical, "changed", result.Changed, "newly_complete", result.NewlyComplete)

	if result.NewlyComplete {
		b.notifyCompleted(ctx, *p)
	}
	return p, nil
}

func hasUserMessage(history []models.Message) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Sender == models.SenderUser {
			return true
		}
	}
	return false
}
