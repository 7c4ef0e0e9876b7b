package advisor

import (
	"strings"
	"testing"

	"github.com/snapverify-project/snapverify/pkg/model"
)

// FuzzParsePlan checks that arbitrary model replies never yield empty or
// unknown actions.
//
//	go test -fuzz=FuzzParsePlan -fuzztime=30s ./internal/advisor/
func FuzzParsePlan(f *testing.F) {
	f.Add("COMMAND: Get-Service")
	f.Add("1. COMMAND: Get-Date\n2. WAIT: 2\n3. KEYS: Ctrl+Esc")
	f.Add("```\nTYPE: hello\n```")
	f.Add("WAIT: soon")
	f.Add("Get-Process")
	f.Add("- KEY:\n* TYPE:   \n")
	f.Add("\x00:\x00")

	f.Fuzz(func(t *testing.T, text string) {
		plan := ParsePlan("instruction", text)
		if plan.Instruction != "instruction" {
			t.Fatalf("instruction not preserved: %q", plan.Instruction)
		}
		for _, a := range plan.Actions {
			if a.Value == "" {
				t.Errorf("empty action value from %q", text)
			}
			switch a.Kind {
			case model.ActionCommand, model.ActionType, model.ActionKeys, model.ActionWait:
			default:
				t.Errorf("unknown action kind %q from %q", a.Kind, text)
			}
			if strings.ContainsRune(a.Value, '\n') {
				t.Errorf("action value spans lines: %q", a.Value)
			}
		}
	})
}

// FuzzParseVerdict checks that verdict parsing is total and deterministic.
func FuzzParseVerdict(f *testing.F) {
	f.Add("VERIFIED: yes\nREASON: desktop visible")
	f.Add("**VERIFIED:** NO")
	f.Add("")
	f.Add("REASON: only a reason")

	f.Fuzz(func(t *testing.T, text string) {
		v1, err1 := ParseVerdict(text)
		v2, err2 := ParseVerdict(text)
		if (err1 == nil) != (err2 == nil) || v1 != v2 {
			t.Errorf("non-deterministic parse of %q", text)
		}
	})
}
