package profile

import (
	"strings"
	"testing"
	"time"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

func TestMergeAddsNonBlankFields(t *testing.T) {
	p := &models.Profile{PhoneNumber: "+393331234567"}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res := Merge(p, models.FieldUpdate{FirstName: "Mario", CompanyName: "ACME Srl"}, now)
	if !res.Changed {
		t.Error("Merge() Changed = false, want true")
	}
	if res.NewlyComplete {
		t.Error("Merge() NewlyComplete = true for a partial profile")
	}
	if p.Fields.FirstName != "Mario" || p.Fields.CompanyName != "ACME Srl" {
		t.Errorf("Merge() fields = %+v, want Mario / ACME Srl", p.Fields)
	}
	if !p.UpdatedAt.Equal(now) {
		t.Errorf("Merge() UpdatedAt = %v, want %v", p.UpdatedAt, now)
	}
}

func TestMergeBlankNeverErases(t *testing.T) {
	p := &models.Profile{
		Fields: models.ProfileFields{
			FirstName:   "Mario",
			LastName:    "Rossi",
			CompanyName: "ACME Srl",
			Email:       "mario@acme.it",
		},
	}
	now := time.Now()
	Merge(p, models.FieldUpdate{}, now)
	Merge(p, models.FieldUpdate{FirstName: "   ", Email: ""}, now)

	want := models.ProfileFields{
		FirstName:   "Mario",
		LastName:    "Rossi",
		CompanyName: "ACME Srl",
		Email:       "mario@acme.it",
	}
	if p.Fields != want {
		t.Errorf("Merge() with blank update changed fields: got %+v, want %+v", p.Fields, want)
	}
}

func TestMergeNonBlankOverwrites(t *testing.T) {
	p := &models.Profile{Fields: models.ProfileFields{FirstName: "Mario"}}
	res := Merge(p, models.FieldUpdate{FirstName: "Maria"}, time.Now())
	if !res.Changed {
		t.Error("Merge() Changed = false, want true")
	}
	if p.Fields.FirstName != "Maria" {
		t.Errorf("Merge() FirstName = %q, want Maria", p.Fields.FirstName)
	}
}

func TestMergeRejectsInvalidEmail(t *testing.T) {
	p := &models.Profile{Fields: models.ProfileFields{Email: "mario@acme.it"}}
	res := Merge(p, models.FieldUpdate{Email: "not-an-email"}, time.Now())
	if res.Changed {
		t.Error("Merge() Changed = true for an invalid email candidate")
	}
	if p.Fields.Email != "mario@acme.it" {
		t.Errorf("Merge() Email = %q, want existing value kept", p.Fields.Email)
	}
}

func TestMergeNewlyCompleteFiresOnce(t *testing.T) {
	p := &models.Profile{
		Fields: models.ProfileFields{
			FirstName:   "Mario",
			LastName:    "Rossi",
			CompanyName: "ACME Srl",
		},
	}
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	res := Merge(p, models.FieldUpdate{Email: "mario@acme.it"}, now)
	if !res.NewlyComplete {
		t.Fatal("Merge() NewlyComplete = false on the completing update")
	}
	if p.CompletedAt == nil || !p.CompletedAt.Equal(now) {
		t.Fatalf("Merge() CompletedAt = %v, want %v", p.CompletedAt, now)
	}

	later := now.Add(time.Hour)
	res = Merge(p, models.FieldUpdate{FirstName: "Maria"}, later)
	if res.NewlyComplete {
		t.Error("Merge() NewlyComplete fired again for an already complete profile")
	}
	if !p.CompletedAt.Equal(now) {
		t.Errorf("Merge() moved CompletedAt to %v, want latch at %v", p.CompletedAt, now)
	}
}

func TestSetBlankClearsButKeepsLatch(t *testing.T) {
	completed := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := &models.Profile{
		Fields: models.ProfileFields{
			FirstName:   "Mario",
			LastName:    "Rossi",
			CompanyName: "ACME Srl",
			Email:       "mario@acme.it",
		},
		Complete:    true,
		CompletedAt: &completed,
	}

	blank := ""
	res := Set(p, nil, nil, nil, &blank, completed.Add(time.Hour))
	if !res.Changed {
		t.Error("Set() Changed = false when clearing a field")
	}
	if p.Complete {
		t.Error("Set() Complete = true after clearing the email")
	}
	if p.CompletedAt == nil || !p.CompletedAt.Equal(completed) {
		t.Errorf("Set() CompletedAt = %v, latch must survive field clearing", p.CompletedAt)
	}
	if p.MissingDescription != "Manca ancora: indirizzo email" {
		t.Errorf("Set() MissingDescription = %q", p.MissingDescription)
	}
}

func TestSetNilLeavesFieldUntouched(t *testing.T) {
	p := &models.Profile{Fields: models.ProfileFields{FirstName: "Mario"}}
	last := "Rossi"
	Set(p, nil, &last, nil, nil, time.Now())
	if p.Fields.FirstName != "Mario" || p.Fields.LastName != "Rossi" {
		t.Errorf("Set() fields = %+v", p.Fields)
	}
}

func TestMissingDescription(t *testing.T) {
	tests := []struct {
		name   string
		fields models.ProfileFields
		want   string
	}{
		{
			name:   "nothing known",
			fields: models.ProfileFields{},
			want:   "Mancano ancora: nome, cognome, ragione sociale (azienda) e indirizzo email",
		},
		{
			name:   "two missing",
			fields: models.ProfileFields{FirstName: "Mario", LastName: "Rossi"},
			want:   "Mancano ancora: ragione sociale (azienda) e indirizzo email",
		},
		{
			name:   "one missing",
			fields: models.ProfileFields{FirstName: "Mario", LastName: "Rossi", CompanyName: "ACME Srl"},
			want:   "Manca ancora: indirizzo email",
		},
		{
			name: "complete",
			fields: models.ProfileFields{
				FirstName: "Mario", LastName: "Rossi",
				CompanyName: "ACME Srl", Email: "mario@acme.it",
			},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MissingDescription(tt.fields); got != tt.want {
				t.Errorf("MissingDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestFriendlyRequest(t *testing.T) {
	tests := []struct {
		name     string
		fields   models.ProfileFields
		contains string
	}{
		{
			name:     "all missing uses the opener",
			fields:   models.ProfileFields{},
			contains: "Per poterti assistere al meglio",
		},
		{
			name:     "only first name known thanks by name",
			fields:   models.ProfileFields{FirstName: "Mario"},
			contains: "Grazie Mario!",
		},
		{
			name:     "only last name known thanks formally",
			fields:   models.ProfileFields{LastName: "Rossi"},
			contains: "Grazie signor/signora Rossi!",
		},
		{
			name:     "only company known thanks the company",
			fields:   models.ProfileFields{CompanyName: "ACME Srl"},
			contains: "Grazie per averci contattato da ACME Srl!",
		},
		{
			name:     "two missing lists both",
			fields:   models.ProfileFields{FirstName: "Mario", LastName: "Rossi"},
			contains: "Mi mancano solo l'azienda per cui lavori e la tua email.",
		},
		{
			name: "only email missing",
			fields: models.ProfileFields{
				FirstName: "Mario", LastName: "Rossi", CompanyName: "ACME Srl",
			},
			contains: "Mi lasci un'email",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FriendlyRequest(tt.fields)
			if !strings.Contains(got, tt.contains) {
				t.Errorf("FriendlyRequest() = %q, want it to contain %q", got, tt.contains)
			}
		})
	}

	complete := models.ProfileFields{
		FirstName: "Mario", LastName: "Rossi",
		CompanyName: "ACME Srl", Email: "mario@acme.it",
	}
	if got := FriendlyRequest(complete); got != "" {
		t.Errorf("FriendlyRequest() = %q for a complete profile, want empty", got)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name   string
		fields models.ProfileFields
		want   string
	}{
		{"empty", models.ProfileFields{}, "Cliente"},
		{"first only", models.ProfileFields{FirstName: "Mario"}, "Mario"},
		{"last only", models.ProfileFields{LastName: "Rossi"}, "Sig./Sig.ra Rossi"},
		{
			"full",
			models.ProfileFields{FirstName: "Mario", LastName: "Rossi", CompanyName: "ACME Srl", Email: "mario@acme.it"},
			"Mario Rossi (ACME Srl) - mario@acme.it",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DisplayName(tt.fields); got != tt.want {
				t.Errorf("DisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidEmail(t *testing.T) {
	valid := []string{"mario@acme.it", " mario.rossi@example.com ", "a+b@test.co.uk"}
	for _, s := range valid {
		if !ValidEmail(s) {
			t.Errorf("ValidEmail(%q) = false, want true", s)
		}
	}
	invalid := []string{"", "mario", "mario@", "@acme.it", "mario@localhost", "mario at acme"}
	for _, s := range invalid {
		if ValidEmail(s) {
			t.Errorf("ValidEmail(%q) = true, want false", s)
		}
	}
}
