package advisor

import (
	"context"
	"fmt"
	"strings"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// Placeholder is the summary text used when no summary could be produced.
const Placeholder = "Test summary not available"

// Verdict is the advisor's judgement about whether a screen matches an expectation.
type Verdict struct {
	Verified    bool
	Confidence  string
	Description string
}

// LoginFields describes what the login screen currently shows.
type LoginFields struct {
	UsernameField     bool
	PasswordField     bool
	DisplayedUsername string
	Description       string
}

// CommandVerdict reports whether a console command finished and whether it printed an error.
type CommandVerdict struct {
	Finished    bool
	Failed      bool
	Description string
}

const summarySystem = `You are a backup and disaster recovery specialist reviewing an automated ` +
	`boot verification of a restored Windows machine. Write a short markdown summary: ` +
	`whether the system booted and accepted a login, which checks passed or failed, ` +
	`and anything in the screenshots that suggests the restore is not usable.`

// Summarize produces a human-readable summary of a run. On any failure it
// returns Placeholder together with the error.
func (c *Client) Summarize(ctx context.Context, entries []model.ActionLogEntry, shots []Image) (string, error) {
	var b strings.Builder
	b.WriteString("Verification steps:\n")
	if len(entries) == 0 {
		b.WriteString("(no steps were executed)\n")
	}
	for _, e := range entries {
		status := "OK"
		if !e.Success {
			status = "FAIL"
		}
		fmt.Fprintf(&b, "Step %d [%s]: %s", e.Seq, status, e.Description)
		if e.Input != "" {
			fmt.Fprintf(&b, " (input: %s)", e.Input)
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, " - %s", e.Detail)
		}
		b.WriteByte('\n')
	}
	if len(shots) > 0 {
		labels := make([]string, 0, len(shots))
		for _, s := range shots {
			labels = append(labels, s.Label)
		}
		fmt.Fprintf(&b, "\nAttached screenshots, in order: %s\n", strings.Join(labels, ", "))
	}

	text, err := c.complete(ctx, "summarize", c.summaryTemp, summarySystem, userContent(b.String(), shots...))
	if err != nil {
		return Placeholder, err
	}
	return text, nil
}

const planSystem = `You operate a Windows machine through its console. Translate the user's ` +
	`instruction into concrete actions, one per line, using only these forms:
COMMAND: <a single PowerShell command to run>
TYPE: <text to type into the focused window>
KEYS: <key chord such as Enter, Tab, Ctrl+S or Win+R>
WAIT: <seconds>
Prefer a single COMMAND line when PowerShell can answer the instruction. ` +
	`Do not add explanations.`

// PlanFromInstruction turns a natural-language instruction into an action
// plan, using the current screen for context.
func (c *Client) PlanFromInstruction(ctx context.Context, instruction string, shot Image) (model.ActionPlan, error) {
	prompt := "Instruction: " + instruction
	text, err := c.complete(ctx, "plan", c.commandTemp, planSystem, userContent(prompt, shot))
	if err != nil {
		return model.ActionPlan{Instruction: instruction}, err
	}
	plan := ParsePlan(instruction, text)
	if plan.Empty() {
		return plan, errclass.ErrPlanUnusable.WithMessagef("no usable actions in advisor response for %q", instruction)
	}
	return plan, nil
}

const inspectSystem = `You inspect screenshots of a Windows machine. Answer strictly in this format:
VERIFIED: yes/no
CONFIDENCE: high/medium/low
DESCRIPTION: <one sentence describing what is on screen>`

// Inspect asks whether the screenshot matches expectation.
func (c *Client) Inspect(ctx context.Context, shot Image, expectation string) (Verdict, error) {
	prompt := "Does the screen match this expectation? " + expectation
	text, err := c.complete(ctx, "inspect", c.commandTemp, inspectSystem, userContent(prompt, shot))
	if err != nil {
		return Verdict{}, err
	}
	return ParseVerdict(text)
}

const loginFieldsSystem = `You inspect a Windows login screen. A username that is shown as a ` +
	`title above the password box is not an editable field. Answer strictly in this format:
USERNAME_FIELD: yes/no
PASSWORD_FIELD: yes/no
DISPLAYED_USERNAME: <the username shown on screen, or none>
DESCRIPTION: <one sentence>`

// DetectLoginFields reports which login inputs are present on the screen.
func (c *Client) DetectLoginFields(ctx context.Context, shot Image) (LoginFields, error) {
	text, err := c.complete(ctx, "login_fields", c.commandTemp, loginFieldsSystem,
		userContent("Which login fields are visible?", shot))
	if err != nil {
		return LoginFields{}, err
	}
	return ParseLoginFields(text)
}

const commandSystem = `You watch a PowerShell window on a Windows machine. Decide whether the ` +
	`last command has finished (a fresh prompt is shown after its output) and whether it ` +
	`printed an error (red text, "Access is denied", "not recognized"). Answer strictly in this format:
FINISHED: yes/no
ERROR: yes/no
DESCRIPTION: <one sentence summarising the output>`

// CheckCommand inspects a console window after command was entered.
func (c *Client) CheckCommand(ctx context.Context, shot Image, command string) (CommandVerdict, error) {
	prompt := "Command entered: " + command
	text, err := c.complete(ctx, "check_command", c.commandTemp, commandSystem, userContent(prompt, shot))
	if err != nil {
		return CommandVerdict{}, err
	}
	return ParseCommandVerdict(text)
}
