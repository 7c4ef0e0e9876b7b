// Package selector resolves operator input to a backup agent by id,
// hostname or display name.
package selector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/snapverify-project/snapverify/pkg/color"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// Match is an agent matching a query.
type Match struct {
	Agent     model.Agent
	Score     int
	MatchType string // "id", "hostname", "name"
}

// FindMultiple returns up to maxResults agents matching query, best first.
func FindMultiple(agents []model.Agent, query string, maxResults int) []*Match {
	queryLower := strings.ToLower(strings.TrimSpace(query))
	if queryLower == "" {
		return nil
	}
	var matches []*Match
	for _, a := range agents {
		if score, kind := scoreMatch(a, queryLower); score > 0 {
			matches = append(matches, &Match{Agent: a, Score: score, MatchType: kind})
		}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Agent.ID < matches[j].Agent.ID
	})
	if maxResults > 0 && len(matches) > maxResults {
		matches = matches[:maxResults]
	}
	return matches
}

// scoreMatch rates an agent against a lower-cased query. 0 means no match.
func scoreMatch(a model.Agent, q string) (int, string) {
	id := strings.ToLower(a.ID)
	host := strings.ToLower(a.Hostname)
	name := strings.ToLower(a.Name)

	switch {
	case id == q:
		return 1000, "id"
	case host != "" && host == q:
		return 900, "hostname"
	case name != "" && name == q:
		return 800, "name"
	case strings.HasPrefix(id, q):
		return 700, "id"
	case host != "" && strings.HasPrefix(host, q):
		return 600, "hostname"
	case name != "" && strings.HasPrefix(name, q):
		return 500, "name"
	case host != "" && strings.Contains(host, q):
		return 200, "hostname"
	case name != "" && strings.Contains(name, q):
		return 100, "name"
	}
	return 0, ""
}

// Resolve picks the single agent query refers to. An exact match on id,
// hostname or name wins; otherwise the query must match exactly one agent.
func Resolve(agents []model.Agent, query string) (model.Agent, error) {
	matches := FindMultiple(agents, query, 0)
	switch {
	case len(matches) == 0:
		return model.Agent{}, errclass.ErrAgentNotFound.WithMessagef("no agent matches %q", query)
	case len(matches) == 1, matches[0].Score >= 800 && matches[1].Score < matches[0].Score:
		return matches[0].Agent, nil
	}
	return model.Agent{}, errclass.ErrAgentNotFound.WithMessagef("%q matches %d agents; be more specific:\n%s",
		query, len(matches), FormatMatchList(matches))
}

// FormatMatchList formats matches for display.
func FormatMatchList(matches []*Match) string {
	var sb strings.Builder
	for i, m := range matches {
		prefix := "  "
		if i == 0 {
			prefix = color.Success("> ")
		}
		host := m.Agent.Hostname
		if host == "" {
			host = color.Dim("(no hostname)")
		}
		fmt.Fprintf(&sb, "%s%d. %s %s %s\n", prefix, i+1, color.ID(m.Agent.ID), m.Agent.DisplayName(), host)
		fmt.Fprintf(&sb, "   matched by %s\n", color.Info(m.MatchType))
	}
	return sb.String()
}
