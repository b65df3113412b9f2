// Package profile implements the intake field accumulator: merging
// per-message field updates into a client profile, detecting completion,
// and phrasing requests for the information still missing.
//
// Merge semantics are strictly additive. A non-blank extracted value
// replaces the stored one; a blank value never erases anything. Once a
// profile has been complete its CompletedAt timestamp is kept forever,
// even if a later correction blanks a field out.
package profile

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/matdac12/whatsapp-test01/internal/models"
)

// Italian field labels used when describing missing information.
const (
	labelFirstName = "nome"
	labelLastName  = "cognome"
	labelCompany   = "ragione sociale (azienda)"
	labelEmail     = "indirizzo email"
)

// MergeResult reports the outcome of applying one FieldUpdate to a profile.
type MergeResult struct {
	// Changed is true when at least one stored field value changed.
	Changed bool
	// NewlyComplete is true when this merge moved the profile from
	// incomplete to complete. It fires at most once per transition.
	NewlyComplete bool
}

// ValidEmail reports whether s parses as an RFC 5322 address.
func ValidEmail(s string) bool {
	addr, err := mail.ParseAddress(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	// mail.ParseAddress accepts local addresses without a domain dot.
	at := strings.LastIndex(addr.Address, "@")
	return at > 0 && strings.Contains(addr.Address[at:], ".")
}

// Merge applies a field update to the profile in place. Blank update values
// are ignored, non-blank values overwrite, and an invalid email candidate is
// discarded rather than stored. Timestamps are maintained: UpdatedAt moves
// whenever a field changes, CompletedAt is set on the first transition to
// complete and never cleared afterwards.
func Merge(p *models.Profile, update models.FieldUpdate, now time.Time) MergeResult {
	wasComplete := p.Fields.Complete()

	var res MergeResult
	if v := strings.TrimSpace(update.FirstName); v != "" && v != p.Fields.FirstName {
		p.Fields.FirstName = v
		res.Changed = true
	}
	if v := strings.TrimSpace(update.LastName); v != "" && v != p.Fields.LastName {
		p.Fields.LastName = v
		res.Changed = true
	}
	if v := strings.TrimSpace(update.CompanyName); v != "" && v != p.Fields.CompanyName {
		p.Fields.CompanyName = v
		res.Changed = true
	}
	if v := strings.TrimSpace(update.Email); v != "" && v != p.Fields.Email && ValidEmail(v) {
		p.Fields.Email = v
		res.Changed = true
	}

	p.Complete = p.Fields.Complete()
	p.MissingDescription = MissingDescription(p.Fields)
	if res.Changed {
		p.UpdatedAt = now
	}
	if p.Complete && !wasComplete {
		res.NewlyComplete = true
		if p.CompletedAt == nil {
			t := now
			p.CompletedAt = &t
		}
	}
	return res
}

// Set overwrites profile fields directly, as from the dashboard edit form.
// Unlike Merge, an explicitly blank value clears the stored field. A nil
// pointer leaves the field untouched. Completion is recalculated but the
// CompletedAt latch is preserved.
func Set(p *models.Profile, firstName, lastName, companyName, email *string, now time.Time) MergeResult {
	wasComplete := p.Fields.Complete()

	var res MergeResult
	apply := func(dst *string, src *string) {
		if src == nil {
			return
		}
		v := strings.TrimSpace(*src)
		if v != *dst {
			*dst = v
			res.Changed = true
		}
	}
	apply(&p.Fields.FirstName, firstName)
	apply(&p.Fields.LastName, lastName)
	apply(&p.Fields.CompanyName, companyName)
	apply(&p.Fields.Email, email)

	p.Complete = p.Fields.Complete()
	p.MissingDescription = MissingDescription(p.Fields)
	if res.Changed {
		p.UpdatedAt = now
	}
	if p.Complete && !wasComplete {
		res.NewlyComplete = true
		if p.CompletedAt == nil {
			t := now
			p.CompletedAt = &t
		}
	}
	return res
}

// missingLabels returns the Italian labels of the fields still blank,
// in canonical order.
func missingLabels(f models.ProfileFields) []string {
	var missing []string
	if strings.TrimSpace(f.FirstName) == "" {
		missing = append(missing, labelFirstName)
	}
	if strings.TrimSpace(f.LastName) == "" {
		missing = append(missing, labelLastName)
	}
	if strings.TrimSpace(f.CompanyName) == "" {
		missing = append(missing, labelCompany)
	}
	if strings.TrimSpace(f.Email) == "" {
		missing = append(missing, labelEmail)
	}
	return missing
}

// MissingDescription returns a short Italian summary of what is still
// missing, or the empty string when the profile is complete.
func MissingDescription(f models.ProfileFields) string {
	missing := missingLabels(f)
	switch len(missing) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("Manca ancora: %s", missing[0])
	default:
		return fmt.Sprintf("Mancano ancora: %s e %s",
			strings.Join(missing[:len(missing)-1], ", "), missing[len(missing)-1])
	}
}

// FriendlyRequest phrases a contextual Italian request for the missing
// fields. The wording depends on how many fields are still missing and,
// when only one field is known, thanks the user by what is known. Returns
// the empty string for a complete profile.
func FriendlyRequest(f models.ProfileFields) string {
	if f.Complete() {
		return ""
	}
	missing := missingLabels(f)

	switch len(missing) {
	case 4:
		return "Per poterti assistere al meglio, potresti dirmi il tuo nome e cognome, da quale azienda ci contatti e un indirizzo email dove posso inviarti informazioni?"

	case 3:
		switch {
		case f.FirstName != "":
			return fmt.Sprintf("Grazie %s! Potresti dirmi anche il tuo cognome, l'azienda per cui lavori e la tua email?", f.FirstName)
		case f.LastName != "":
			return fmt.Sprintf("Grazie signor/signora %s! Potresti dirmi il tuo nome, l'azienda e un'email di contatto?", f.LastName)
		case f.CompanyName != "":
			return fmt.Sprintf("Grazie per averci contattato da %s! Potresti dirmi il tuo nome, cognome e email?", f.CompanyName)
		default:
			return "Grazie per l'email! Potresti dirmi anche il tuo nome, cognome e da quale azienda ci contatti?"
		}

	case 2:
		var wants []string
		if strings.TrimSpace(f.FirstName) == "" {
			wants = append(wants, "il tuo nome")
		}
		if strings.TrimSpace(f.LastName) == "" {
			wants = append(wants, "il tuo cognome")
		}
		if strings.TrimSpace(f.CompanyName) == "" {
			wants = append(wants, "l'azienda per cui lavori")
		}
		if strings.TrimSpace(f.Email) == "" {
			wants = append(wants, "la tua email")
		}
		return fmt.Sprintf("Perfetto! Mi mancano solo %s.", strings.Join(wants, " e "))

	default: // one field left
		switch missing[0] {
		case labelFirstName:
			return "Mi manca solo il tuo nome per completare la registrazione."
		case labelLastName:
			return "Potresti dirmi il tuo cognome per completare i dati?"
		case labelCompany:
			return "Per quale azienda lavori? Così completo la registrazione."
		default:
			return "Mi lasci un'email dove posso inviarti un riepilogo?"
		}
	}
}

// DisplayName formats a human-readable identity line for dashboards and
// notifications, falling back to "Cliente" when nothing is known.
func DisplayName(f models.ProfileFields) string {
	var parts []string
	switch {
	case f.FirstName != "" && f.LastName != "":
		parts = append(parts, f.FirstName+" "+f.LastName)
	case f.FirstName != "":
		parts = append(parts, f.FirstName)
	case f.LastName != "":
		parts = append(parts, "Sig./Sig.ra "+f.LastName)
	}
	if f.CompanyName != "" {
		parts = append(parts, "("+f.CompanyName+")")
	}
	if f.Email != "" {
		parts = append(parts, "- "+f.Email)
	}
	if len(parts) == 0 {
		return "Cliente"
	}
	return strings.Join(parts, " ")
}

// ExtractionSummary formats extraction results for logs.
func ExtractionSummary(f models.ProfileFields) string {
	var parts []string
	if f.FirstName != "" {
		parts = append(parts, "Nome: "+f.FirstName)
	}
	if f.LastName != "" {
		parts = append(parts, "Cognome: "+f.LastName)
	}
	if f.CompanyName != "" {
		parts = append(parts, "Azienda: "+f.CompanyName)
	}
	if f.Email != "" {
		parts = append(parts, "Email: "+f.Email)
	}
	if len(parts) == 0 {
		return "Nessuna informazione estratta"
	}
	return strings.Join(parts, " | ")
}
