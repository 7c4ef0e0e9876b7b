package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snapverify-project/snapverify/pkg/model"
)

var testAgents = []model.Agent{
	{ID: "a_1", Name: "FS01", Hostname: "fs01.corp"},
	{ID: "a_2", Name: "FS02", Hostname: "fs02.corp"},
	{ID: "a_3", Hostname: "dc01.corp"},
}

func TestSuggestAgents(t *testing.T) {
	t.Run("Single close match", func(t *testing.T) {
		result := suggestAgents("dc", testAgents)
		assert.Contains(t, result, "Did you mean")
		assert.NotContains(t, result, "one of")
		assert.Contains(t, result, "a_3")
	})

	t.Run("Several close matches", func(t *testing.T) {
		result := suggestAgents("fs0", testAgents)
		assert.Contains(t, result, "Did you mean one of")
		assert.Contains(t, result, "a_1")
		assert.Contains(t, result, "a_2")
	})

	t.Run("No match points at the agents command", func(t *testing.T) {
		result := suggestAgents("exchange", testAgents)
		assert.Contains(t, result, "snapverify agents")
	})

	t.Run("No agents at all", func(t *testing.T) {
		result := suggestAgents("fs01", nil)
		assert.Contains(t, result, "No agents")
	})
}

func TestFormatAgentNotFoundError(t *testing.T) {
	result := formatAgentNotFoundError("mail", testAgents)
	assert.Contains(t, result, "agent 'mail' not found")
	assert.Contains(t, result, "snapverify agents")
}

func TestSuggestConfig(t *testing.T) {
	result := suggestConfig("SLIDE_API_KEY")
	assert.Contains(t, result, "SLIDE_API_KEY")
	assert.Contains(t, result, "snapverify config init")
}
