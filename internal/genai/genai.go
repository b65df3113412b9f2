// Package genai provides GenAI-backed operations using the OpenAI API.
//
// It exposes the two model calls the intake bot needs: structured field
// extraction from a user message and free-form reply generation over the
// conversation history, plus conversation summarization for completion
// notifications.
package genai

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

// Default models. Extraction uses a model with reliable structured output
// support; replies can run on a cheaper model.
const (
	DefaultExtractionModel = openai.ChatModelGPT4o
	DefaultReplyModel      = openai.ChatModelGPT4o
)

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey          string
	ReplyModel      string
	ExtractionModel string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithReplyModel sets the model used for conversational replies.
func WithReplyModel(model string) Option {
	return func(o *Opts) { o.ReplyModel = model }
}

// WithExtractionModel sets the model used for structured field extraction.
func WithExtractionModel(model string) Option {
	return func(o *Opts) { o.ExtractionModel = model }
}

// ClientInterface defines the GenAI operations consumed by the bot.
type ClientInterface interface {
	// GenerateWithMessages runs a chat completion over prepared messages.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error)
	// ExtractFields pulls identity field candidates out of one user
	// message. Fields absent from the message come back blank.
	ExtractFields(ctx context.Context, message string, known models.ProfileFields) (models.FieldUpdate, error)
	// Summarize produces a short Italian summary of a finished intake
	// conversation for the completion notification.
	Summarize(ctx context.Context, transcript string) (string, error)
}

// Client wraps the OpenAI API client.
type Client struct {
	client          openai.Client
	replyModel      string
	extractionModel string
}

// Compile-time check that Client implements ClientInterface.
var _ ClientInterface = (*Client)(nil)

// NewClient creates a GenAI client from the provided options. The API key
// is required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		slog.Error("GenAI client API key not set")
		return nil, fmt.Errorf("OpenAI API key not set")
	}
	if cfg.ReplyModel == "" {
		cfg.ReplyModel = DefaultReplyModel
	}
	if cfg.ExtractionModel == "" {
		cfg.ExtractionModel = DefaultExtractionModel
	}
	slog.Debug("GenAI client initialized", "reply_model", cfg.ReplyModel, "extraction_model", cfg.ExtractionModel)
	return &Client{
		client:          openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		replyModel:      cfg.ReplyModel,
		extractionModel: cfg.ExtractionModel,
	}, nil
}

// GenerateWithMessages runs a chat completion over prepared messages and
// returns the assistant text.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: messages,
		Model:    c.replyModel,
	})
	if err != nil {
		slog.Error("GenAI GenerateWithMessages failed", "error", err)
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	slog.Debug("GenAI GenerateWithMessages succeeded", "messages", len(messages))
	return resp.Choices[0].Message.Content, nil
}

// extractedFields mirrors the JSON schema used for structured extraction.
type extractedFields struct {
	FirstName   *string `json:"first_name"`
	LastName    *string `json:"last_name"`
	CompanyName *string `json:"company_name"`
	Email       *string `json:"email"`
}

// extractionSchema is the strict JSON schema the extraction model must
// follow. Every field is nullable; null means not present in the message.
var extractionSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"first_name": map[string]interface{}{
			"type":        []string{"string", "null"},
			"description": "First name of the client",
		},
		"last_name": map[string]interface{}{
			"type":        []string{"string", "null"},
			"description": "Last name of the client",
		},
		"company_name": map[string]interface{}{
			"type":        []string{"string", "null"},
			"description": "Company name (ragione sociale)",
		},
		"email": map[string]interface{}{
			"type":        []string{"string", "null"},
			"description": "Email address",
		},
	},
	"required":             []string{"first_name", "last_name", "company_name", "email"},
	"additionalProperties": false,
}

// ExtractFields pulls identity field candidates out of one user message
// using structured output. Already known fields are passed as context so
// the model does not re-extract or contradict them.
func (c *Client) ExtractFields(ctx context.Context, message string, known models.ProfileFields) (models.FieldUpdate, error) {
	systemPrompt := buildExtractionPrompt(known)

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(message),
		},
		Model: c.extractionModel,
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "client_info",
					Schema: extractionSchema,
					Strict: openai.Bool(true),
				},
			},
		},
	})
	if err != nil {
		slog.Error("GenAI ExtractFields failed", "error", err)
		return models.FieldUpdate{}, fmt.Errorf("field extraction failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return models.FieldUpdate{}, fmt.Errorf("no choices returned")
	}

	var extracted extractedFields
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &extracted); err != nil {
		slog.Error("GenAI ExtractFields unmarshal failed", "error", err)
		return models.FieldUpdate{}, fmt.Errorf("failed to parse extraction output: %w", err)
	}

	update := models.FieldUpdate{
		FirstName:   deref(extracted.FirstName),
		LastName:    deref(extracted.LastName),
		CompanyName: deref(extracted.CompanyName),
		Email:       deref(extracted.Email),
	}
	slog.Debug("GenAI ExtractFields succeeded", "empty", update.IsEmpty())
	return update, nil
}

// Summarize produces a short Italian summary of a finished conversation.
func (c *Client) Summarize(ctx context.Context, transcript string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage("Riassumi questa conversazione WhatsApp in 2-3 frasi in italiano. Indica chi è il cliente, cosa cerca e il suo tono. Sii conciso e professionale."),
		openai.UserMessage(transcript),
	}
	return c.GenerateWithMessages(ctx, messages)
}

// buildExtractionPrompt assembles the Italian extraction instructions,
// listing the fields that are already known.
func buildExtractionPrompt(known models.ProfileFields) string {
	var b strings.Builder
	b.WriteString("Estrai le informazioni del cliente dal messaggio.\n")
	b.WriteString("Cerca: nome, cognome, ragione sociale (nome azienda), email.\n")
	if known.FirstName != "" {
		fmt.Fprintf(&b, "Nome già noto: %s\n", known.FirstName)
	}
	if known.LastName != "" {
		fmt.Fprintf(&b, "Cognome già noto: %s\n", known.LastName)
	}
	if known.CompanyName != "" {
		fmt.Fprintf(&b, "Azienda già nota: %s\n", known.CompanyName)
	}
	if known.Email != "" {
		fmt.Fprintf(&b, "Email già nota: %s\n", known.Email)
	}
	b.WriteString("Se un'informazione non è presente nel messaggio, lasciala come null.\n")
	b.WriteString("Non ripetere le informazioni già note a meno che il messaggio non le corregga.")
	return b.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}

// BuildConversationMessages converts stored conversation history into chat
// completion messages, prefixed by the system prompt. User entries map to
// user messages and bot entries map to assistant messages.
func BuildConversationMessages(systemPrompt string, history []models.Message, userMessage string) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		if m.Sender == models.SenderUser {
			messages = append(messages, openai.UserMessage(m.Body))
		} else {
			messages = append(messages, openai.AssistantMessage(m.Body))
		}
	}
	if userMessage != "" {
		messages = append(messages, openai.UserMessage(userMessage))
	}
	return messages
}
