// Package bot implements the per-message intake pipeline: inbound
// deduplication, structured field extraction, profile accumulation,
// reply generation and the manual-mode draft gate. It consumes inbound
// responses and delivery receipts from a messaging service and persists
// everything through the store.
package bot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/matdac12/whatsapp-test01/internal/genai"
	"github.com/matdac12/whatsapp-test01/internal/messaging"
	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/store"
)

// DefaultHistoryLimit is the number of stored messages handed to the
// reply model as conversation context.
const DefaultHistoryLimit = 30

// Canned Italian replies. FallbackReply is used whenever reply
// generation fails; the end user never sees raw error detail.
const (
	FallbackReply = "Mi scusi, al momento non riesco a elaborare il suo messaggio. Può riprovare tra qualche istante?"

	imageReply = "Ho ricevuto la sua immagine! Al momento posso gestire solo messaggi di testo. Mi scriva pure e sarò felice di aiutarla."
	audioReply = "Ho ricevuto il suo messaggio vocale! Al momento posso gestire solo messaggi di testo. Mi scriva pure e le risponderò subito."
	otherReply = "Ho ricevuto il suo messaggio! Per poterla aiutare al meglio, mi scriva un messaggio di testo."
)

// Notifier delivers a one-time notification when a profile first becomes
// complete. Delivery is best effort: the pipeline logs failures and
// moves on.
type Notifier interface {
	ProfileCompleted(ctx context.Context, profile models.Profile) error
}

// Opts holds configuration options for the bot.
type Opts struct {
	Notifier     Notifier
	HistoryLimit int
}

// Option defines a configuration option for the bot.
type Option func(*Opts)

// WithNotifier sets the completion notifier.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithHistoryLimit sets how many stored messages are used as reply
// generation context.
func WithHistoryLimit(limit int) Option {
	return func(o *Opts) { o.HistoryLimit = limit }
}

// Bot ties the store, the messaging service and the GenAI client into
// the intake pipeline. One Bot instance serves all conversations.
type Bot struct {
	store        store.Store
	msgService   messaging.Service
	genaiClient  genai.ClientInterface
	notifier     Notifier
	historyLimit int
	locks        keyedMutex
}

// NewBot creates a Bot over the given collaborators.
func NewBot(st store.Store, msgService messaging.Service, genaiClient genai.ClientInterface, opts ...Option) *Bot {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &Bot{
		store:        st,
		msgService:   msgService,
		genaiClient:  genaiClient,
		notifier:     cfg.Notifier,
		historyLimit: cfg.HistoryLimit,
	}
}

// Start begins consuming inbound responses and delivery receipts from
// the messaging service. Each response runs on its own goroutine so the
// transport can keep delivering while extraction and generation block;
// per-conversation ordering is enforced by a keyed lock inside
// ProcessResponse.
func (b *Bot) Start(ctx context.Context) {
	slog.Info("Bot starting response processing")

	go func() {
		defer slog.Info("Bot stopped response processing")
		for {
			select {
			case response, ok := <-b.msgService.Responses():
				if !ok {
					slog.Debug("Bot responses channel closed")
					return
				}
				go func(resp models.Response) {
					if err := b.ProcessResponse(ctx, resp); err != nil {
						slog.Error("Bot failed to process response", "error", err, "from", resp.From)
					}
				}(response)
			case <-ctx.Done():
				slog.Debug("Bot stopping due to context cancellation")
				return
			}
		}
	}()

	go func() {
		defer slog.Info("Bot stopped receipt processing")
		for {
			select {
			case receipt, ok := <-b.msgService.Receipts():
				if !ok {
					slog.Debug("Bot receipts channel closed")
					return
				}
				b.handleReceipt(receipt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// handleReceipt persists a delivery receipt and updates the status of
// the matching stored message.
func (b *Bot) handleReceipt(receipt models.Receipt) {
	if err := b.store.AddReceipt(receipt); err != nil {
		slog.Error("Bot failed to store receipt", "error", err, "to", receipt.To)
	}
	if receipt.TransportMessageID == "" {
		return
	}
	if receipt.Status != models.MessageStatusDelivered && receipt.Status != models.MessageStatusRead {
		return
	}
	if err := b.store.UpdateMessageStatus(receipt.TransportMessageID, receipt.Status); err != nil {
		slog.Error("Bot failed to update message status", "error", err, "transport_message_id", receipt.TransportMessageID)
		return
	}
	slog.Debug("Bot updated message status", "transport_message_id", receipt.TransportMessageID, "status", receipt.Status)
}

// keyedMutex serializes work per conversation key. Merge-then-write
// sequences for the same phone number must not interleave.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the mutex for key and returns the matching unlock
// function. Entries are reference counted so the map does not grow with
// every phone number ever seen.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		k.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
