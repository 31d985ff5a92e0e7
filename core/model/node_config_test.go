package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeConfigMessage(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeMessage, map[string]any{"content": "  Hello  "})
	require.NoError(t, err)
	require.NotNil(t, cfg.Message)
	assert.Equal(t, "Hello", cfg.Message.Content)

	cfg, err = ParseNodeConfig(NodeMessage, nil)
	require.NoError(t, err)
	require.NotNil(t, cfg.Message)
	assert.Empty(t, cfg.Message.Content)
}

func TestParseNodeConfigCondition(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeCondition, map[string]any{
		"branches": []any{
			map[string]any{"when": `$.intent == "agent"`, "to": "handoff"},
			map[string]any{"when": "$.confidence < 0.4", "to": "retry"},
		},
		"default": "ack",
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.Condition)
	require.Len(t, cfg.Condition.Branches, 2)
	assert.Equal(t, "handoff", cfg.Condition.Branches[0].To)
	assert.Equal(t, "ack", cfg.Condition.Default)
}

func TestParseNodeConfigConditionRejectsPartialBranch(t *testing.T) {
	_, err := ParseNodeConfig(NodeCondition, map[string]any{
		"branches": []any{
			map[string]any{"when": "$.x"},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "both when and to are required")
}

func TestParseNodeConfigConditionRejectsNonListBranches(t *testing.T) {
	_, err := ParseNodeConfig(NodeCondition, map[string]any{"branches": "nope"})
	require.Error(t, err)

	_, err = ParseNodeConfig(NodeCondition, map[string]any{"branches": []any{"nope"}})
	require.Error(t, err)
}

func TestParseNodeConfigConditionBranchesOptional(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeCondition, map[string]any{"default": "next"})
	require.NoError(t, err)
	require.NotNil(t, cfg.Condition)
	assert.Empty(t, cfg.Condition.Branches)
	assert.Equal(t, "next", cfg.Condition.Default)
}

func TestParseNodeConfigInput(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeInput, map[string]any{"key": "inquiry", "prompt": "What do you need?"})
	require.NoError(t, err)
	require.NotNil(t, cfg.Input)
	assert.Equal(t, "inquiry", cfg.Input.Key)
	assert.Equal(t, "What do you need?", cfg.Input.Prompt)
}

func TestParseNodeConfigWaitDelayForms(t *testing.T) {
	cases := []struct {
		name string
		raw  map[string]any
		want time.Duration
	}{
		{"duration string", map[string]any{"delay": "90s"}, 90 * time.Second},
		{"float seconds", map[string]any{"delay": float64(30)}, 30 * time.Second},
		{"int seconds", map[string]any{"delay": 5}, 5 * time.Second},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := ParseNodeConfig(NodeWait, tc.raw)
			require.NoError(t, err)
			require.NotNil(t, cfg.Wait)
			assert.Equal(t, tc.want, cfg.Wait.Delay)
		})
	}
}

func TestParseNodeConfigWaitRejectsBadDelay(t *testing.T) {
	for name, raw := range map[string]map[string]any{
		"missing":    {},
		"negative":   {"delay": "-5s"},
		"zero":       {"delay": float64(0)},
		"unparsable": {"delay": "soon"},
		"wrong type": {"delay": true},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseNodeConfig(NodeWait, raw)
			require.Error(t, err)
		})
	}
}

func TestParseNodeConfigAPIDefaults(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeAPI, map[string]any{"endpoint": "https://example.com/price"})
	require.NoError(t, err)
	require.NotNil(t, cfg.API)
	assert.Equal(t, APIProviderHTTP, cfg.API.Provider)
	assert.Equal(t, "POST", cfg.API.Method)
	assert.False(t, cfg.API.Required)
}

func TestParseNodeConfigAPIAIProvider(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeAPI, map[string]any{
		"provider": "AI",
		"capture":  map[string]any{"intent": "$.intent"},
		"required": true,
	})
	require.NoError(t, err)
	require.NotNil(t, cfg.API)
	assert.Equal(t, APIProviderAI, cfg.API.Provider)
	assert.Equal(t, "$.intent", cfg.API.Capture["intent"])
	assert.True(t, cfg.API.Required)
}

func TestParseNodeConfigAPIRejectsBadDefinitions(t *testing.T) {
	_, err := ParseNodeConfig(NodeAPI, map[string]any{"provider": "grpc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")

	_, err = ParseNodeConfig(NodeAPI, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires an endpoint")

	_, err = ParseNodeConfig(NodeAPI, map[string]any{
		"endpoint": "https://example.com",
		"capture":  map[string]any{"price": 12},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected JSONPath string")
}

func TestParseNodeConfigHandoffNotice(t *testing.T) {
	cfg, err := ParseNodeConfig(NodeHandoff, map[string]any{"notice": "One moment"})
	require.NoError(t, err)
	require.NotNil(t, cfg.Handoff)
	assert.Equal(t, "One moment", cfg.Handoff.Notice)

	// Older flow definitions used "message" for the notice.
	cfg, err = ParseNodeConfig(NodeHandoff, map[string]any{"message": "Hold on"})
	require.NoError(t, err)
	assert.Equal(t, "Hold on", cfg.Handoff.Notice)
}

func TestParseNodeConfigStartEndAndUnknown(t *testing.T) {
	for _, typ := range []NodeType{NodeStart, NodeEnd, NodeType("mystery")} {
		cfg, err := ParseNodeConfig(typ, map[string]any{"anything": "goes"})
		require.NoError(t, err)
		assert.Equal(t, NodeConfig{}, cfg)
	}
}
