// Package pathutil normalizes operator- and model-supplied strings into safe
// file and resource names.
package pathutil

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/snapverify-project/snapverify/pkg/errclass"
)

var (
	nameRegex  = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
	labelStrip = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)
)

const maxLabelLen = 60

// ValidateName checks that name is usable as a restore VM name or a file stem.
func ValidateName(name string) error {
	if name == "" {
		return errclass.ErrNameInvalid.WithMessage("name must not be empty")
	}

	name = norm.NFC.String(name)

	if name == ".." || strings.Contains(name, "..") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain '..': %s", name)
	}

	if strings.ContainsAny(name, "/\\") {
		return errclass.ErrNameInvalid.WithMessagef("name must not contain separators: %s", name)
	}

	for _, r := range name {
		if unicode.IsControl(r) {
			return errclass.ErrNameInvalid.WithMessagef("name must not contain control characters: %q", name)
		}
	}

	if !nameRegex.MatchString(name) {
		return errclass.ErrNameInvalid.WithMessagef("name must match [a-zA-Z0-9._-]+: %s", name)
	}

	return nil
}

// SanitizeLabel turns free text (a step description, a command) into a
// short label that always passes ValidateName.
func SanitizeLabel(label string) string {
	// NFKD splits accented letters so the base letter survives the strip.
	s := strings.Map(func(r rune) rune {
		if unicode.Is(unicode.Mn, r) {
			return -1
		}
		return r
	}, norm.NFKD.String(label))
	s = labelStrip.ReplaceAllString(s, "_")
	s = strings.ReplaceAll(s, "..", "_")
	s = strings.Trim(s, "._-")
	if len(s) > maxLabelLen {
		s = strings.TrimRight(s[:maxLabelLen], "._-")
	}
	if s == "" {
		return "screen"
	}
	return strings.ToLower(s)
}
