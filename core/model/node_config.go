package model

import (
	"fmt"
	"strings"
	"time"
)

// NodeConfig is the parsed, node-type-specific configuration. Exactly one
// variant is populated for node types that carry settings; all variants stay
// nil for start/end and for malformed or unknown definitions, which the
// engine treats as passthrough.
type NodeConfig struct {
	Message   *MessageConfig   `json:"message,omitempty"`
	Condition *ConditionConfig `json:"condition,omitempty"`
	Input     *InputConfig     `json:"input,omitempty"`
	Wait      *WaitConfig      `json:"wait,omitempty"`
	API       *APIConfig       `json:"api,omitempty"`
	Handoff   *HandoffConfig   `json:"handoff,omitempty"`
}

// MessageConfig holds settings for message nodes.
type MessageConfig struct {
	Content string `json:"content"`
}

// ConditionBranch routes to a successor when its guard expression evaluates
// truthy against the flow's scratch data (bound as `$`).
type ConditionBranch struct {
	When string `json:"when"`
	To   string `json:"to"`
}

// ConditionConfig holds guarded branches plus an explicit default successor.
type ConditionConfig struct {
	Branches []ConditionBranch `json:"branches"`
	Default  string            `json:"default,omitempty"`
}

// InputConfig holds settings for input nodes. Key names the scratch-data
// slot the reply is stored under; Prompt, when set, is sent before waiting.
type InputConfig struct {
	Key    string `json:"key"`
	Prompt string `json:"prompt,omitempty"`
}

// WaitConfig holds the pause duration for wait nodes.
type WaitConfig struct {
	Delay time.Duration `json:"delay"`
}

// API providers supported by api nodes.
const (
	APIProviderHTTP = "http"
	APIProviderAI   = "ai"
)

// APIConfig describes an external call. Params values prefixed with "$" are
// resolved from scratch data via JSONPath before the call; Capture maps
// scratch keys to JSONPath expressions over the response. For the ai
// provider the call is best-effort unless Required is set.
type APIConfig struct {
	Provider string            `json:"provider"`
	Endpoint string            `json:"endpoint,omitempty"`
	Method   string            `json:"method,omitempty"`
	Params   map[string]any    `json:"params,omitempty"`
	Capture  map[string]string `json:"capture,omitempty"`
	Required bool              `json:"required,omitempty"`
}

// HandoffConfig holds the notice sent when control passes to a human.
type HandoffConfig struct {
	Notice string `json:"notice,omitempty"`
}

// ParseNodeConfig converts the raw key-value config of a node into its typed
// variant. A nil or empty raw map is fine for every type; defaults are
// applied at execution time. Errors indicate a malformed definition and the
// caller is expected to degrade the node to a passthrough rather than fail.
func ParseNodeConfig(nodeType NodeType, raw map[string]any) (NodeConfig, error) {
	var cfg NodeConfig
	switch nodeType {
	case NodeMessage:
		cfg.Message = &MessageConfig{Content: stringValue(raw, "content")}
	case NodeCondition:
		c, err := parseConditionConfig(raw)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.Condition = c
	case NodeInput:
		cfg.Input = &InputConfig{
			Key:    stringValue(raw, "key"),
			Prompt: stringValue(raw, "prompt"),
		}
	case NodeWait:
		delay, err := parseDelay(raw)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.Wait = &WaitConfig{Delay: delay}
	case NodeAPI:
		a, err := parseAPIConfig(raw)
		if err != nil {
			return NodeConfig{}, err
		}
		cfg.API = a
	case NodeHandoff:
		notice := stringValue(raw, "notice")
		if notice == "" {
			// Older definitions used "message" for the handoff notice.
			notice = stringValue(raw, "message")
		}
		cfg.Handoff = &HandoffConfig{Notice: notice}
	case NodeStart, NodeEnd:
		// No settings.
	default:
		// Unknown node types carry no parsed config; the engine logs and
		// passes through.
	}
	return cfg, nil
}

func parseConditionConfig(raw map[string]any) (*ConditionConfig, error) {
	cfg := &ConditionConfig{Default: stringValue(raw, "default")}
	rawBranches, ok := raw["branches"]
	if !ok {
		return cfg, nil
	}
	list, ok := rawBranches.([]any)
	if !ok {
		return nil, fmt.Errorf("condition branches: expected list, got %T", rawBranches)
	}
	for i, item := range list {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("condition branch %d: expected object, got %T", i, item)
		}
		branch := ConditionBranch{
			When: stringValue(entry, "when"),
			To:   stringValue(entry, "to"),
		}
		if branch.When == "" || branch.To == "" {
			return nil, fmt.Errorf("condition branch %d: both when and to are required", i)
		}
		cfg.Branches = append(cfg.Branches, branch)
	}
	return cfg, nil
}

func parseAPIConfig(raw map[string]any) (*APIConfig, error) {
	cfg := &APIConfig{
		Provider: strings.ToLower(stringValue(raw, "provider")),
		Endpoint: stringValue(raw, "endpoint"),
		Method:   strings.ToUpper(stringValue(raw, "method")),
		Required: boolValue(raw, "required"),
	}
	if cfg.Provider == "" {
		cfg.Provider = APIProviderHTTP
	}
	if cfg.Provider != APIProviderHTTP && cfg.Provider != APIProviderAI {
		return nil, fmt.Errorf("api provider %q not supported", cfg.Provider)
	}
	if cfg.Provider == APIProviderHTTP && cfg.Endpoint == "" {
		return nil, fmt.Errorf("api node requires an endpoint")
	}
	if cfg.Method == "" {
		cfg.Method = "POST"
	}
	if params, ok := raw["params"].(map[string]any); ok {
		cfg.Params = params
	}
	if rawCapture, ok := raw["capture"].(map[string]any); ok {
		cfg.Capture = make(map[string]string, len(rawCapture))
		for k, v := range rawCapture {
			path, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("api capture %q: expected JSONPath string, got %T", k, v)
			}
			cfg.Capture[k] = path
		}
	}
	return cfg, nil
}

func parseDelay(raw map[string]any) (time.Duration, error) {
	v, ok := raw["delay"]
	if !ok {
		return 0, fmt.Errorf("wait node requires a delay")
	}
	switch d := v.(type) {
	case string:
		dur, err := time.ParseDuration(d)
		if err != nil {
			return 0, fmt.Errorf("wait delay %q: %w", d, err)
		}
		if dur <= 0 {
			return 0, fmt.Errorf("wait delay must be positive")
		}
		return dur, nil
	case float64:
		if d <= 0 {
			return 0, fmt.Errorf("wait delay must be positive")
		}
		return time.Duration(d) * time.Second, nil
	case int:
		if d <= 0 {
			return 0, fmt.Errorf("wait delay must be positive")
		}
		return time.Duration(d) * time.Second, nil
	default:
		return 0, fmt.Errorf("wait delay: unsupported type %T", v)
	}
}

func stringValue(raw map[string]any, key string) string {
	if raw == nil {
		return ""
	}
	if v, ok := raw[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func boolValue(raw map[string]any, key string) bool {
	if raw == nil {
		return false
	}
	v, ok := raw[key].(bool)
	return ok && v
}
