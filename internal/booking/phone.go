package booking

import (
	"regexp"
	"strings"
)

var ramqPattern = regexp.MustCompile(`^[A-Z]{4}\d{8}$`)

// NormalizePhone converts a North American phone number to E.164
// (+1XXXXXXXXXX). Ten digits get a +1 prefix, eleven digits starting with 1
// get a + prefix, longer inputs are assumed to carry a country code. Anything
// shorter is returned unchanged.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 10:
		return "+1" + digits
	case len(digits) == 11 && digits[0] == '1':
		return "+" + digits
	case len(digits) > 11:
		return "+" + digits
	default:
		return phone
	}
}

// ValidPhone reports whether phone normalizes to a valid NANP number
// (NXX-NXX-XXXX where N is 2-9).
func ValidPhone(phone string) bool {
	n := NormalizePhone(phone)
	if len(n) != 12 || !strings.HasPrefix(n, "+1") {
		return false
	}
	for _, r := range n[2:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	area, exchange := n[2], n[5]
	return area >= '2' && exchange >= '2'
}

// NormalizeRAMQ upper-cases a health insurance number and strips spaces and
// dashes.
func NormalizeRAMQ(number string) string {
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, strings.ToUpper(strings.TrimSpace(number)))
}

// ValidRAMQ reports whether number has the shape of a Quebec health insurance
// number: four letters followed by eight digits.
func ValidRAMQ(number string) bool {
	return ramqPattern.MatchString(NormalizeRAMQ(number))
}
