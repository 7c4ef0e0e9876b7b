package console

import (
	"fmt"
	"strings"
	"unicode"
)

// X11 keysyms for the named keys the guest flow uses.
var namedKeysyms = map[string]uint32{
	"enter":     0xff0d,
	"return":    0xff0d,
	"tab":       0xff09,
	"esc":       0xff1b,
	"escape":    0xff1b,
	"backspace": 0xff08,
	"delete":    0xffff,
	"del":       0xffff,
	"insert":    0xff63,
	"home":      0xff50,
	"end":       0xff57,
	"pageup":    0xff55,
	"pagedown":  0xff56,
	"left":      0xff51,
	"up":        0xff52,
	"right":     0xff53,
	"down":      0xff54,
	"space":     0x0020,
	"shift":     0xffe1,
	"ctrl":      0xffe3,
	"control":   0xffe3,
	"alt":       0xffe9,
	"win":       0xffeb,
	"super":     0xffeb,
	"meta":      0xffeb,
	"f1":        0xffbe,
	"f2":        0xffbf,
	"f3":        0xffc0,
	"f4":        0xffc1,
	"f5":        0xffc2,
	"f6":        0xffc3,
	"f7":        0xffc4,
	"f8":        0xffc5,
	"f9":        0xffc6,
	"f10":       0xffc7,
	"f11":       0xffc8,
	"f12":       0xffc9,
}

const keysymShift = 0xffe1

// shiftedSymbols are characters that need Shift on a US layout.
const shiftedSymbols = `~!@#$%^&*()_+{}|:"<>?`

// ParseChord splits "Ctrl+Alt+Delete" into key names. A literal plus sign
// is written as "Plus".
func ParseChord(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty key chord")
	}
	var keys []string
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if part == "" {
			return nil, fmt.Errorf("malformed key chord %q", s)
		}
		if strings.EqualFold(part, "plus") {
			part = "+"
		}
		if _, err := Keysym(part); err != nil {
			return nil, err
		}
		keys = append(keys, part)
	}
	return keys, nil
}

// Keysym resolves a key name or single character to its keysym.
func Keysym(name string) (uint32, error) {
	if ks, ok := namedKeysyms[strings.ToLower(name)]; ok {
		return ks, nil
	}
	r := []rune(name)
	if len(r) == 1 {
		return runeKeysym(unicode.ToLower(r[0])), nil
	}
	return 0, fmt.Errorf("unknown key %q", name)
}

func runeKeysym(r rune) uint32 {
	switch r {
	case '\n', '\r':
		return namedKeysyms["enter"]
	case '\t':
		return namedKeysyms["tab"]
	case '\b':
		return namedKeysyms["backspace"]
	}
	if r < 0x100 {
		return uint32(r)
	}
	return 0x01000000 | uint32(r)
}

// needsShift reports whether typing r on a US layout requires Shift.
func needsShift(r rune) bool {
	return unicode.IsUpper(r) || strings.ContainsRune(shiftedSymbols, r)
}
