package normalize

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// maxE164Digits is the ITU-T E.164 upper bound on country code + subscriber number.
const maxE164Digits = 15

// NormalizePhone reduces a free-form phone string to E.164 or returns nil.
//
// Everything but digits and a leading plus is dropped and a leading 00
// international prefix is read as a plus. Numbers without a country code are
// interpreted in the normalizer's default region, which removes the trunk
// prefix (0 in France) and prepends the region's calling code.
func (n *Normalizer) NormalizePhone(value string) *string {
	digits, international := stripPhone(value)
	if len(digits) < n.minDigits || len(digits) > maxE164Digits+2 {
		return nil
	}

	candidate := digits
	if international {
		if len(digits) > maxE164Digits {
			return nil
		}
		candidate = "+" + digits
	}

	number, err := phonenumbers.Parse(candidate, n.region)
	if err != nil {
		return nil
	}
	if !phonenumbers.IsPossibleNumber(number) {
		return nil
	}

	formatted := phonenumbers.Format(number, phonenumbers.E164)
	if len(formatted) < 2 || len(formatted)-1 > maxE164Digits {
		return nil
	}
	return &formatted
}

func stripPhone(value string) (string, bool) {
	trimmed := strings.TrimSpace(value)
	international := strings.HasPrefix(trimmed, "+")

	var b strings.Builder
	for _, r := range trimmed {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	if !international && strings.HasPrefix(digits, "00") {
		international = true
		digits = digits[2:]
	}
	return digits, international
}
