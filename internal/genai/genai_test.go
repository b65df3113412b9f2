package genai

import (
	"strings"
	"testing"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(); err == nil {
		t.Error("NewClient() did not fail without an API key")
	}
	c, err := NewClient(WithAPIKey("sk-test"))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if c.replyModel != DefaultReplyModel || c.extractionModel != DefaultExtractionModel {
		t.Errorf("NewClient() models = (%s, %s), want defaults", c.replyModel, c.extractionModel)
	}
}

func TestNewClientModelOptions(t *testing.T) {
	c, err := NewClient(WithAPIKey("sk-test"), WithReplyModel("gpt-4o-mini"), WithExtractionModel("gpt-4o"))
	if err != nil {
		t.Fatalf("NewClient() error: %v", err)
	}
	if c.replyModel != "gpt-4o-mini" {
		t.Errorf("replyModel = %q", c.replyModel)
	}
	if c.extractionModel != "gpt-4o" {
		t.Errorf("extractionModel = %q", c.extractionModel)
	}
}

func TestBuildExtractionPromptIncludesKnownFields(t *testing.T) {
	prompt := buildExtractionPrompt(models.ProfileFields{FirstName: "Mario", Email: "mario@acme.it"})
	if !strings.Contains(prompt, "Nome già noto: Mario") {
		t.Errorf("prompt missing known first name: %q", prompt)
	}
	if !strings.Contains(prompt, "Email già nota: mario@acme.it") {
		t.Errorf("prompt missing known email: %q", prompt)
	}
	if strings.Contains(prompt, "Cognome già noto") {
		t.Errorf("prompt mentions an unknown field: %q", prompt)
	}
}

func TestBuildConversationMessages(t *testing.T) {
	history := []models.Message{
		{Sender: models.SenderUser, Body: "ciao"},
		{Sender: models.SenderBot, Body: "Buongiorno! Come posso aiutarti?"},
	}
	messages := BuildConversationMessages("sei un assistente", history, "vorrei un preventivo")
	if len(messages) != 4 {
		t.Fatalf("BuildConversationMessages() returned %d messages, want 4", len(messages))
	}

	messages = BuildConversationMessages("sei un assistente", history, "")
	if len(messages) != 3 {
		t.Fatalf("BuildConversationMessages() with empty user message returned %d, want 3", len(messages))
	}
}
