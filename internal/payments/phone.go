package payments

import (
	"fmt"
	"regexp"
	"strings"
)

const countryCode = "251"

var msisdnPattern = regexp.MustCompile(`^251[79]\d{8}$`)

// NormalizePhone converts a subscriber number to the international form the
// gateway expects (2517XXXXXXXX / 2519XXXXXXXX).
//
//	0712345678     -> 251712345678
//	+251712345678  -> 251712345678
//	251712345678   -> 251712345678
//
// Spaces and dashes are ignored. Anything else, including local numbers
// without the leading zero, is rejected.
func NormalizePhone(raw string) (string, error) {
	s := strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(raw))

	switch {
	case strings.HasPrefix(s, "+"+countryCode):
		s = s[1:]
	case strings.HasPrefix(s, countryCode):
	case strings.HasPrefix(s, "0"):
		s = countryCode + s[1:]
	}

	if !msisdnPattern.MatchString(s) {
		return "", fmt.Errorf("%w: phone number %q is not a valid subscriber number", ErrValidation, raw)
	}
	return s, nil
}
