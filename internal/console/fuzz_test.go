package console

import "testing"

// FuzzParseChord checks that every accepted chord resolves to keysyms.
//
//	go test -fuzz=FuzzParseChord -fuzztime=30s ./internal/console/
func FuzzParseChord(f *testing.F) {
	f.Add("Ctrl+Alt+Delete")
	f.Add("Win+R")
	f.Add("Ctrl+Plus")
	f.Add("++")
	f.Add(" shift + TAB ")
	f.Add("é")

	f.Fuzz(func(t *testing.T, s string) {
		keys, err := ParseChord(s)
		if err != nil {
			return
		}
		if len(keys) == 0 {
			t.Fatalf("accepted %q with no keys", s)
		}
		for _, k := range keys {
			if _, err := Keysym(k); err != nil {
				t.Errorf("accepted %q but key %q has no keysym: %v", s, k, err)
			}
		}
	})
}
