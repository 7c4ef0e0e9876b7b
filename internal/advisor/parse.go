package advisor

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// fields collects "KEY: value" lines. Keys are upper-cased with spaces
// folded to underscores; the first occurrence wins.
func fields(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "*-"))
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.ToUpper(strings.Join(strings.Fields(strings.Trim(key, "* ")), "_"))
		if _, seen := out[key]; seen || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(strings.Trim(strings.TrimSpace(value), "*"))
	}
	return out
}

func yes(v string) bool {
	v = strings.ToLower(v)
	return strings.HasPrefix(v, "yes") || strings.HasPrefix(v, "true")
}

// ParseVerdict parses a VERIFIED/CONFIDENCE/DESCRIPTION answer.
func ParseVerdict(text string) (Verdict, error) {
	f := fields(text)
	v, ok := f["VERIFIED"]
	if !ok {
		return Verdict{}, errclass.ErrAIUnavailable.WithMessage("verdict missing VERIFIED line")
	}
	return Verdict{
		Verified:    yes(v),
		Confidence:  strings.ToLower(f["CONFIDENCE"]),
		Description: f["DESCRIPTION"],
	}, nil
}

// ParseLoginFields parses a USERNAME_FIELD/PASSWORD_FIELD/DISPLAYED_USERNAME answer.
func ParseLoginFields(text string) (LoginFields, error) {
	f := fields(text)
	u, uok := f["USERNAME_FIELD"]
	p, pok := f["PASSWORD_FIELD"]
	if !uok && !pok {
		return LoginFields{}, errclass.ErrAIUnavailable.WithMessage("login field answer missing field lines")
	}
	shown := f["DISPLAYED_USERNAME"]
	switch strings.ToLower(shown) {
	case "none", "n/a", "unknown", "-":
		shown = ""
	}
	return LoginFields{
		UsernameField:     yes(u),
		PasswordField:     yes(p),
		DisplayedUsername: shown,
		Description:       f["DESCRIPTION"],
	}, nil
}

// ParseCommandVerdict parses a FINISHED/ERROR/DESCRIPTION answer.
func ParseCommandVerdict(text string) (CommandVerdict, error) {
	f := fields(text)
	fin, ok := f["FINISHED"]
	if !ok {
		return CommandVerdict{}, errclass.ErrAIUnavailable.WithMessage("command answer missing FINISHED line")
	}
	return CommandVerdict{
		Finished:    yes(fin),
		Failed:      yes(f["ERROR"]),
		Description: f["DESCRIPTION"],
	}, nil
}

var numbering = regexp.MustCompile(`^(?:\d+[.)]|[-*•])\s*`)

// ParsePlan extracts actions from a plan answer. Numbering, bullets and code
// fences are ignored. A reply with no prefixed lines that is a single line is
// taken as one command.
func ParsePlan(instruction, text string) model.ActionPlan {
	plan := model.ActionPlan{Instruction: instruction}
	var bare []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "```") {
			continue
		}
		line = numbering.ReplaceAllString(line, "")
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			bare = append(bare, line)
			continue
		}
		value = strings.TrimSpace(value)
		var kind model.ActionKind
		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "COMMAND":
			kind = model.ActionCommand
		case "TYPE":
			kind = model.ActionType
		case "KEYS", "KEY":
			kind = model.ActionKeys
		case "WAIT":
			if _, err := strconv.ParseFloat(strings.TrimSuffix(value, "s"), 64); err != nil {
				continue
			}
			kind = model.ActionWait
		default:
			bare = append(bare, line)
			continue
		}
		if value == "" {
			continue
		}
		plan.Actions = append(plan.Actions, model.PlannedAction{Kind: kind, Value: value})
	}
	if len(plan.Actions) == 0 && len(bare) == 1 {
		plan.Actions = append(plan.Actions, model.PlannedAction{Kind: model.ActionCommand, Value: bare[0]})
	}
	return plan
}
