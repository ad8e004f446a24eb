package network

import "strings"

// Carrier identifies the mobile-money operator behind a local phone number.
type Carrier string

const (
	MTN     Carrier = "MTN"
	Orange  Carrier = "ORANGE"
	Unknown Carrier = "UNKNOWN"
)

// String implements fmt.Stringer.
func (c Carrier) String() string { return string(c) }

// Known reports whether the carrier is one the gateway can charge.
func (c Carrier) Known() bool {
	return c == MTN || c == Orange
}

// NumberLength is the length of a local subscriber number.
const NumberLength = 9

type prefixRange struct {
	lo, hi  int
	carrier Carrier
}

// Two-digit prefixes following the leading 6, inclusive on both ends.
var ranges = []prefixRange{
	{50, 54, MTN},
	{55, 59, Orange},
	{70, 79, MTN},
	{80, 84, MTN},
	{85, 89, Orange},
	{90, 99, Orange},
}

// Validate reports whether number is a 9-digit local number starting with 6
// whose prefix belongs to a known carrier.
func Validate(number string) bool {
	if len(number) != NumberLength || !allDigits(number) {
		return false
	}
	return Classify(number).Known()
}

// Classify returns the carrier derived from the two digits after the leading 6.
// Malformed input yields Unknown.
func Classify(number string) Carrier {
	if len(number) < 3 || number[0] != '6' {
		return Unknown
	}
	p1, p2 := number[1], number[2]
	if !isDigit(p1) || !isDigit(p2) {
		return Unknown
	}
	prefix := int(p1-'0')*10 + int(p2-'0')
	for _, r := range ranges {
		if prefix >= r.lo && prefix <= r.hi {
			return r.carrier
		}
	}
	return Unknown
}

// Normalise strips common separators and the Cameroon country code so that
// "+237 6 50 12 34 56" becomes "650123456". Other input is returned with
// separators removed.
func Normalise(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range strings.TrimSpace(raw) {
		switch r {
		case ' ', '-', '.', '(', ')', '\t':
			continue
		}
		b.WriteRune(r)
	}
	out := b.String()
	for _, cc := range []string{"+237", "00237", "237"} {
		if strings.HasPrefix(out, cc) && len(out) == len(cc)+NumberLength {
			return out[len(cc):]
		}
	}
	return out
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
