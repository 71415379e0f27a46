// Package normalize turns raw CRM contact records into canonical contacts.
//
// Normalization is a pure function of the record and the Config: the same
// input always yields the same canonical contact. Only a missing source
// identifier rejects a record; malformed emails and phones downgrade the
// affected field and are reported as warnings.
package normalize

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nyaruka/phonenumbers"

	"github.com/rpattn/contactsync/internal/domain"
)

// ErrMissingSourceID is wrapped by the validation error of records without an id.
var ErrMissingSourceID = errors.New("missing source identifier")

// Warning codes.
const (
	WarningEmailInvalid = "email_invalid"
	WarningPhoneInvalid = "phone_invalid"
)

// Config controls locale dependent normalization.
type Config struct {
	// DefaultRegion is the ISO 3166 alpha-2 region applied to phone numbers
	// written without a country code.
	DefaultRegion string
	// MinPhoneDigits is the smallest digit count considered a plausible number.
	MinPhoneDigits int
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() Config {
	return Config{
		DefaultRegion:  "FR",
		MinPhoneDigits: 8,
	}
}

// ValidationError is the hard failure of a record that cannot be stored.
type ValidationError struct {
	Field   string
	Message string
	err     error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.err
}

// FieldWarning describes a field that was nulled during normalization.
type FieldWarning struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Result is a successfully normalized record.
type Result struct {
	Contact  domain.CanonicalContact
	Warnings []FieldWarning
}

// Downgraded reports whether any field was nulled.
func (r Result) Downgraded() bool {
	return len(r.Warnings) > 0
}

// Normalizer applies the contact normalization rules.
type Normalizer struct {
	region    string
	minDigits int
}

// New validates cfg and returns a Normalizer.
func New(cfg Config) (*Normalizer, error) {
	region := strings.ToUpper(strings.TrimSpace(cfg.DefaultRegion))
	if region == "" {
		return nil, errors.New("default region is required")
	}
	if phonenumbers.GetCountryCodeForRegion(region) == 0 {
		return nil, fmt.Errorf("unsupported default region %q", cfg.DefaultRegion)
	}
	minDigits := cfg.MinPhoneDigits
	if minDigits <= 0 {
		minDigits = DefaultConfig().MinPhoneDigits
	}
	return &Normalizer{region: region, minDigits: minDigits}, nil
}

// Region returns the default phone region.
func (n *Normalizer) Region() string {
	return n.region
}

// Normalize converts one raw record. The returned error is always a
// *ValidationError.
func (n *Normalizer) Normalize(raw RawRecord) (Result, error) {
	sourceID := n.sourceID(raw)
	if sourceID == "" {
		return Result{}, &ValidationError{
			Field:   "id",
			Message: "record has no id or externalId",
			err:     ErrMissingSourceID,
		}
	}

	contact := domain.CanonicalContact{
		SourceID:   sourceID,
		Tags:       []string{},
		RawPayload: raw.Payload,
	}
	var warnings []FieldWarning

	if value, ok := raw.lookupString("firstName", "first_name"); ok {
		contact.FirstName = NormalizeName(value)
	}
	if value, ok := raw.lookupString("lastName", "last_name"); ok {
		contact.LastName = NormalizeName(value)
	}

	if value, ok := raw.lookup("email"); ok {
		text, isText := stringValue(value)
		email, valid := NormalizeEmail(text)
		contact.Email = email
		switch {
		case !isText:
			contact.Email = nil
			warnings = append(warnings, FieldWarning{
				Field:   "email",
				Code:    WarningEmailInvalid,
				Message: fmt.Sprintf("email has type %s, expected a string", jsonType(value)),
			})
		case !valid:
			warnings = append(warnings, FieldWarning{
				Field:   "email",
				Code:    WarningEmailInvalid,
				Message: fmt.Sprintf("email %q is not a valid address", text),
			})
		}
	}

	if value, ok := raw.lookup("phone", "phoneNumber"); ok {
		text, isText := stringValue(value)
		switch {
		case !isText:
			warnings = append(warnings, FieldWarning{
				Field:   "phone",
				Code:    WarningPhoneInvalid,
				Message: fmt.Sprintf("phone has type %s, expected a string", jsonType(value)),
			})
		case text != "":
			original := text
			contact.PhoneRaw = &original
			contact.PhoneE164 = n.NormalizePhone(text)
			if contact.PhoneE164 == nil {
				warnings = append(warnings, FieldWarning{
					Field:   "phone",
					Code:    WarningPhoneInvalid,
					Message: fmt.Sprintf("phone %q cannot be reduced to E.164 for region %s", text, n.region),
				})
			}
		}
	}

	if value, ok := raw.lookupString("company"); ok {
		contact.Company = optionalText(value)
	}
	if value, ok := raw.lookupString("jobTitle", "job_title", "title"); ok {
		contact.JobTitle = optionalText(value)
	}
	if value, ok := raw.lookup("tags"); ok {
		contact.Tags = NormalizeTags(value)
	}

	return Result{Contact: contact, Warnings: warnings}, nil
}

func (n *Normalizer) sourceID(raw RawRecord) string {
	for _, key := range []string{"id", "externalId"} {
		if value, ok := raw.lookupString(key); ok {
			if trimmed := strings.TrimSpace(value); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

func optionalText(value string) *string {
	trimmed := strings.Join(strings.Fields(value), " ")
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
