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

// ProcessResponse runs the intake pipeline for one inbound message:
// dedup claim, history write, field extraction and merge, completion
// detection, reply generation and the send-vs-draft gate. Concurrent
// calls for the same conversation are serialized; duplicate transport
// message IDs are dropped silently.
func (b *Bot) ProcessResponse(ctx context.Context, response models.Response) error {
	canonicalFrom, err := b.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		slog.Error("Bot.ProcessResponse validation failed", "error", err, "from", response.From)
		return fmt.Errorf("invalid sender: %w", err)
	}

	// Claim the message ID before any business logic. Exactly one of N
	// concurrent deliveries of the same ID gets true here.
	if response.MessageID != "" {
		claimed, err := b.store.RecordInboundMessage(response.MessageID, canonicalFrom)
		if err != nil {
			slog.Error("Bot.ProcessResponse dedup claim failed", "error", err, "message_id", response.MessageID)
			return fmt.Errorf("failed to claim message: %w", err)
		}
		if !claimed {
			slog.Debug("Bot.ProcessResponse dropping duplicate message", "message_id", response.MessageID, "from", canonicalFrom)
			return nil
		}
	}

	unlock := b.locks.lock(canonicalFrom)
	defer unlock()

	now := time.Now()
	received := now
	if response.Time > 0 {
		received = time.Unix(response.Time, 0)
	}

	if response.MessageID != "" {
		if err := b.msgService.MarkRead(response.MessageID, response.From, received); err != nil {
			slog.Warn("Bot.ProcessResponse mark read failed", "error", err, "message_id", response.MessageID)
		}
	}

	if response.Kind != models.ResponseKindText && response.Kind != "" {
		return b.handleNonText(ctx, canonicalFrom, response, received)
	}

	if _, err := b.store.AddMessage(models.Message{
		PhoneNumber: canonicalFrom,
		Sender:      models.SenderUser,
		Body:        response.Body,
		Timestamp:   received,
	}); err != nil {
		slog.Error("Bot.ProcessResponse failed to store user message", "error", err, "from", canonicalFrom)
		return fmt.Errorf("failed to store user message: %w", err)
	}

	p, created, err := b.loadOrCreateProfile(canonicalFrom, now)
	if err != nil {
		return err
	}
	settings, err := b.store.GetSettings(canonicalFrom)
	if err != nil {
		slog.Error("Bot.ProcessResponse failed to load settings", "error", err, "from", canonicalFrom)
		return fmt.Errorf("failed to load settings: %w", err)
	}

	// Already complete profiles skip extraction entirely. A noisy later
	// extraction must never un-complete a finished profile.
	newlyComplete := false
	if !p.Complete {
		update, err := b.genaiClient.ExtractFields(ctx, response.Body, p.Fields)
		if err != nil {
			// Extraction failure means no new information this turn.
			slog.Warn("Bot.ProcessResponse extraction failed, continuing without update", "error", err, "from", canonicalFrom)
			update = models.FieldUpdate{}
		}
		result := profile.Merge(p, update, now)
		newlyComplete = result.NewlyComplete
		if result.Changed || created {
			if err := b.store.SaveProfile(p); err != nil {
				slog.Error("Bot.ProcessResponse failed to save profile", "error", err, "from", canonicalFrom)
				return fmt.Errorf("failed to save profile: %w", err)
			}
		}
	} else if created {
		if err := b.store.SaveProfile(p); err != nil {
			slog.Error("Bot.ProcessResponse failed to save profile", "error", err, "from", canonicalFrom)
			return fmt.Errorf("failed to save profile: %w", err)
		}
	}

	reply := b.generateReply(ctx, canonicalFrom, p, newlyComplete)

	// The gate runs even when generation fell back, so manual-mode
	// agents still get a reviewable draft.
	if settings.ManualMode {
		if err := b.store.SaveDraft(models.Draft{PhoneNumber: canonicalFrom, Text: reply, CreatedAt: now}); err != nil {
			slog.Error("Bot.ProcessResponse failed to save draft", "error", err, "from", canonicalFrom)
			return fmt.Errorf("failed to save draft: %w", err)
		}
		slog.Info("Bot.ProcessResponse held reply as draft", "from", canonicalFrom)
	} else {
		if err := b.store.DeleteDraft(canonicalFrom); err != nil {
			slog.Warn("Bot.ProcessResponse failed to clear stale draft", "error", err, "from", canonicalFrom)
		}
		if _, err := b.sendAndRecord(ctx, canonicalFrom, reply, now); err != nil {
			slog.Error("Bot.ProcessResponse failed to send reply", "error", err, "from", canonicalFrom)
		}
	}

	// Completion notification fires after the user-facing action and
	// never affects the already-written profile.
	if newlyComplete {
		b.notifyCompleted(ctx, *p)
	}

	if response.MessageID != "" {
		if err := b.store.MarkMessageProcessed(response.MessageID); err != nil {
			slog.Warn("Bot.ProcessResponse failed to mark message processed", "error", err, "message_id", response.MessageID)
		}
	}
	return nil
}

// handleNonText stores a placeholder history entry for an unsupported
// message kind and answers with a polite canned reply. Non-text content
// never reaches extraction or generation.
func (b *Bot) handleNonText(ctx context.Context, canonicalFrom string, response models.Response, received time.Time) error {
	var placeholder, reply string
	switch response.Kind {
	case models.ResponseKindImage:
		placeholder, reply = "[immagine]", imageReply
	case models.ResponseKindAudio:
		placeholder, reply = "[audio]", audioReply
	default:
		placeholder, reply = "[allegato]", otherReply
	}

	if _, err := b.store.AddMessage(models.Message{
		PhoneNumber: canonicalFrom,
		Sender:      models.SenderUser,
		Body:        placeholder,
		Timestamp:   received,
	}); err != nil {
		slog.Error("Bot.handleNonText failed to store message", "error", err, "from", canonicalFrom)
	}

	settings, err := b.store.GetSettings(canonicalFrom)
	if err == nil && settings.ManualMode {
		slog.Debug("Bot.handleNonText skipping canned reply in manual mode", "from", canonicalFrom)
	} else {
		if _, err := b.sendAndRecord(ctx, canonicalFrom, reply, time.Now()); err != nil {
			slog.Error("Bot.handleNonText failed to send canned reply", "error", err, "from", canonicalFrom)
		}
	}

	if response.MessageID != "" {
		if err := b.store.MarkMessageProcessed(response.MessageID); err != nil {
			slog.Warn("Bot.handleNonText failed to mark message processed", "error", err, "message_id", response.MessageID)
		}
	}
	slog.Info("Bot.handleNonText handled unsupported message", "from", canonicalFrom, "kind", response.Kind)
	return nil
}

// loadOrCreateProfile returns the stored profile for a conversation or
// a fresh empty one when this is the first contact.
func (b *Bot) loadOrCreateProfile(phoneNumber string, now time.Time) (*models.Profile, bool, error) {
	p, err := b.store.GetProfile(phoneNumber)
	if err != nil {
		slog.Error("Bot.loadOrCreateProfile failed", "error", err, "phone", phoneNumber)
		return nil, false, fmt.Errorf("failed to load profile: %w", err)
	}
	if p != nil {
		return p, false, nil
	}
	p = &models.Profile{
		PhoneNumber:        phoneNumber,
		CreatedAt:          now,
		UpdatedAt:          now,
		MissingDescription: profile.MissingDescription(models.ProfileFields{}),
	}
	return p, true, nil
}

// generateReply runs the reply model over the stored conversation
// history. On any failure the fixed fallback apology is returned so the
// gate step always has text to work with.
func (b *Bot) generateReply(ctx context.Context, phoneNumber string, p *models.Profile, newlyComplete bool) string {
	notes, err := b.store.GetNotes(phoneNumber)
	if err != nil {
		slog.Warn("Bot.generateReply failed to load notes", "error", err, "from", phoneNumber)
		notes = ""
	}
	history, err := b.store.GetMessages(phoneNumber, b.historyLimit)
	if err != nil {
		slog.Warn("Bot.generateReply failed to load history", "error", err, "from", phoneNumber)
	}

	systemPrompt := buildReplySystemPrompt(p, notes, newlyComplete)
	messages := genai.BuildConversationMessages(systemPrompt, history, "")
	reply, err := b.genaiClient.GenerateWithMessages(ctx, messages)
	if err != nil || strings.TrimSpace(reply) == "" {
		slog.Error("Bot.generateReply generation failed, using fallback", "error", err, "from", phoneNumber)
		return FallbackReply
	}
	if len(reply) > models.MaxMessageBodyLength {
		reply = reply[:models.MaxMessageBodyLength]
	}
	return reply
}

// buildReplySystemPrompt assembles the Italian assistant instructions
// from the post-merge profile state and the persistent agent notes.
func buildReplySystemPrompt(p *models.Profile, notes string, newlyComplete bool) string {
	var sb strings.Builder
	sb.WriteString("Sei l'assistente WhatsApp di un'azienda italiana che accoglie i nuovi clienti e ne raccoglie i dati di contatto (nome, cognome, ragione sociale, email). ")
	sb.WriteString("Rispondi sempre in italiano, dando del lei, con tono cortese e professionale. Messaggi brevi, adatti a WhatsApp.\n\n")
	fmt.Fprintf(&sb, "Dati raccolti finora: %s\n", profile.ExtractionSummary(p.Fields))

	switch {
	case newlyComplete:
		sb.WriteString("Il profilo del cliente è appena stato completato: ringrazia il cliente per le informazioni e chiedi come puoi aiutarlo.")
	case p.Complete:
		sb.WriteString("Il profilo del cliente è completo: non chiedere altri dati, rispondi alla sua richiesta.")
	default:
		fmt.Fprintf(&sb, "%s\nNel corso della conversazione chiedi gentilmente le informazioni mancanti, una alla volta, senza insistere.", profile.MissingDescription(p.Fields))
		fmt.Fprintf(&sb, "\nEsempio di richiesta adatta: %q", profile.FriendlyRequest(p.Fields))
	}

	if strings.TrimSpace(notes) != "" {
		fmt.Fprintf(&sb, "\n\nIndicazioni dell'operatore: %s", strings.TrimSpace(notes))
	}
	return sb.String()
}

// sendAndRecord sends a message through the transport and appends it to
// the conversation history with its transport message ID so later
// receipts can update its delivery status.
func (b *Bot) sendAndRecord(ctx context.Context, to, body string, now time.Time) (string, error) {
	transportID, err := b.msgService.SendMessage(ctx, to, body)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	if _, err := b.store.AddMessage(models.Message{
		PhoneNumber:        to,
		Sender:             models.SenderBot,
		Body:               body,
		TransportMessageID: transportID,
		Status:             models.MessageStatusSent,
		Timestamp:          now,
	}); err != nil {
		slog.Error("Bot.sendAndRecord failed to store outbound message", "error", err, "to", to)
	}
	return transportID, nil
}

// notifyCompleted fires the one-time completion notification. Failures
// are logged and swallowed.
func (b *Bot) notifyCompleted(ctx context.Context, p models.Profile) {
	if b.notifier == nil {
		slog.Debug("Bot.notifyCompleted no notifier configured", "phone", p.PhoneNumber)
		return
	}
	if err := b.notifier.ProfileCompleted(ctx, p); err != nil {
		slog.Error("Bot.notifyCompleted notification failed", "error", err, "phone", p.PhoneNumber)
		return
	}
	slog.Info("Bot.notifyCompleted notification sent", "phone", p.PhoneNumber, "client", profile.DisplayName(p.Fields))
}
