package cli

import (
	"fmt"
	"strings"

	"github.com/snapverify-project/snapverify/internal/selector"
	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// suggestAgents offers close matches when query names no single agent.
func suggestAgents(query string, agents []model.Agent) string {
	matches := selector.FindMultiple(agents, query, 3)
	if len(matches) > 0 {
		var suggestions []string
		for _, m := range matches {
			s := color.ID(m.Agent.ID)
			if name := m.Agent.DisplayName(); name != m.Agent.ID {
				s += fmt.Sprintf(" (%s)", color.Dim(name))
			}
			suggestions = append(suggestions, s)
		}
		hint := "Did you mean"
		if len(suggestions) > 1 {
			hint += " one of"
		}
		return fmt.Sprintf("%s: %s?", hint, strings.Join(suggestions, ", "))
	}
	if len(agents) == 0 {
		return "No agents are visible to this API key."
	}
	return fmt.Sprintf("Run %s to see available agents.", color.Code("snapverify agents"))
}

// formatAgentNotFoundError formats an unknown agent with suggestions.
func formatAgentNotFoundError(query string, agents []model.Agent) string {
	var sb strings.Builder
	sb.WriteString(color.Error(fmt.Sprintf("agent '%s' not found", query)))
	sb.WriteString("\n")
	sb.WriteString(color.Dim("  " + suggestAgents(query, agents)))
	return sb.String()
}

// suggestConfig tells the operator how to supply a missing setting.
func suggestConfig(env string) string {
	return fmt.Sprintf("Set %s in the environment or the .env file, or run %s.",
		color.Code(env), color.Code("snapverify config init"))
}
