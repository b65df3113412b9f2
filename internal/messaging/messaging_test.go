package messaging

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/matdac12/whatsapp-test01/internal/models"
	"github.com/matdac12/whatsapp-test01/internal/twiliowhatsapp"
	"github.com/matdac12/whatsapp-test01/internal/whatsapp"
)

func TestWhatsAppServiceSendMessageEmitsReceipt(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	messageID, err := svc.SendMessage(context.Background(), "393331234567", "ciao")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if messageID == "" {
		t.Error("SendMessage() returned an empty message ID")
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].Body != "ciao" {
		t.Errorf("mock sent messages = %+v", mock.SentMessages)
	}

	select {
	case r := <-svc.Receipts():
		if r.Status != models.MessageStatusSent {
			t.Errorf("receipt status = %q, want sent", r.Status)
		}
		if r.TransportMessageID != messageID {
			t.Errorf("receipt message ID = %q, want %q", r.TransportMessageID, messageID)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt emitted within 1s")
	}
}

func TestWhatsAppServiceValidateRecipient(t *testing.T) {
	svc := NewWhatsAppService(whatsapp.NewMockClient())

	got, err := svc.ValidateAndCanonicalizeRecipient("+39 333 123-4567")
	if err != nil {
		t.Fatalf("ValidateAndCanonicalizeRecipient() error: %v", err)
	}
	if got != "393331234567" {
		t.Errorf("ValidateAndCanonicalizeRecipient() = %q", got)
	}

	if _, err := svc.ValidateAndCanonicalizeRecipient(""); err == nil {
		t.Error("ValidateAndCanonicalizeRecipient() accepted an empty recipient")
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("123"); err == nil {
		t.Error("ValidateAndCanonicalizeRecipient() accepted a 3-digit number")
	}
	if _, err := svc.ValidateAndCanonicalizeRecipient("abc"); err == nil {
		t.Error("ValidateAndCanonicalizeRecipient() accepted a digit-free recipient")
	}
}

func TestWhatsAppServiceMarkRead(t *testing.T) {
	mock := whatsapp.NewMockClient()
	svc := NewWhatsAppService(mock)

	if err := svc.MarkRead("3EB0ABCD", "+393331234567", time.Now()); err != nil {
		t.Fatalf("MarkRead() error: %v", err)
	}
	if len(mock.ReadMarks) != 1 || mock.ReadMarks[0] != "3EB0ABCD" {
		t.Errorf("mock read marks = %v", mock.ReadMarks)
	}
}

func TestTwilioServiceSendMessage(t *testing.T) {
	mock := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(mock)

	sid, err := svc.SendMessage(context.Background(), "+39 333 1234567", "ciao")
	if err != nil {
		t.Fatalf("SendMessage() error: %v", err)
	}
	if !strings.HasPrefix(sid, "SM") {
		t.Errorf("SendMessage() sid = %q, want Twilio SID", sid)
	}
	if len(mock.SentMessages) != 1 || mock.SentMessages[0].To != "393331234567" {
		t.Errorf("mock sent messages = %+v", mock.SentMessages)
	}

	select {
	case r := <-svc.Receipts():
		if r.TransportMessageID != sid {
			t.Errorf("receipt sid = %q, want %q", r.TransportMessageID, sid)
		}
	case <-time.After(time.Second):
		t.Fatal("no receipt emitted within 1s")
	}
}

func TestTwilioServiceStopRejectsSends(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if _, err := svc.SendMessage(context.Background(), "393331234567", "ciao"); err != ErrServiceStopped {
		t.Errorf("SendMessage() after Stop() error = %v, want ErrServiceStopped", err)
	}
	// Stop is idempotent.
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop() error: %v", err)
	}
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	form := url.Values{}
	form.Set("From", "whatsapp:+393331234567")
	form.Set("Body", "vorrei informazioni")
	form.Set("MessageSid", "SM123")

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	svc.TwilioWebhookHandler(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("webhook status = %d, want 200", w.Code)
	}

	select {
	case resp := <-svc.Responses():
		if resp.From != "whatsapp:+393331234567" || resp.Body != "vorrei informazioni" {
			t.Errorf("response = %+v", resp)
		}
		if resp.MessageID != "SM123" {
			t.Errorf("response MessageID = %q, want SM123", resp.MessageID)
		}
		if resp.Kind != models.ResponseKindText {
			t.Errorf("response Kind = %q, want text", resp.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("no response emitted within 1s")
	}
}

func TestTwilioWebhookHandlerMissingFrom(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader("Body=ciao"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()

	svc.TwilioWebhookHandler(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("webhook status = %d, want 400", w.Code)
	}
}
