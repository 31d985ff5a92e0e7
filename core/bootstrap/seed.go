package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/m3rciful/salesbot/core/logger"
	"github.com/m3rciful/salesbot/core/model"
	"github.com/m3rciful/salesbot/core/store"
)

type seedNode struct {
	id     string
	typ    model.NodeType
	config map[string]any
	next   []string
}

// SeedDefaultFlow installs the wholesale-inquiry intake flow if it does not
// exist yet. It is idempotent across restarts.
func SeedDefaultFlow(ctx context.Context, flows store.FlowStore, writer store.FlowWriter, flowID string) error {
	if _, err := flows.GetFlow(ctx, flowID); err == nil {
		logger.SEED.Debug("default flow present",
			slog.String("event", "flow.present"),
			slog.String("flow_id", flowID),
		)
		return nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("seed: check flow %s: %w", flowID, err)
	}

	nodes := []seedNode{
		{id: "start", typ: model.NodeStart, next: []string{"welcome"}},
		{
			id:  "welcome",
			typ: model.NodeMessage,
			config: map[string]any{
				"content": "Welcome to our wholesale desk! How can we help you today?",
			},
			next: []string{"ask_inquiry"},
		},
		{
			id:  "ask_inquiry",
			typ: model.NodeInput,
			config: map[string]any{
				"key":    "inquiry",
				"prompt": "Tell us what products or quantities you are interested in.",
			},
			next: []string{"classify"},
		},
		{
			id:  "classify",
			typ: model.NodeAPI,
			config: map[string]any{
				"provider": "ai",
				"capture": map[string]any{
					"intent":     "$.intent",
					"confidence": "$.confidence",
				},
				"required": false,
			},
			next: []string{"route"},
		},
		{
			id:  "route",
			typ: model.NodeCondition,
			config: map[string]any{
				"branches": []any{
					map[string]any{"when": `$.intent == "agent"`, "to": "handoff_agent"},
					map[string]any{"when": `$.confidence !== undefined && $.confidence < 0.4`, "to": "handoff_agent"},
				},
				"default": "acknowledge",
			},
			next: []string{"acknowledge"},
		},
		{
			id:  "handoff_agent",
			typ: model.NodeHandoff,
			config: map[string]any{
				"notice": "Transferring you to a sales agent...",
			},
			next: []string{"done"},
		},
		{
			id:  "acknowledge",
			typ: model.NodeMessage,
			config: map[string]any{
				"content": "Thanks! Our team will follow up with pricing and availability shortly.",
			},
			next: []string{"done"},
		},
		{id: "done", typ: model.NodeEnd},
	}

	flow, err := writer.CreateFlow(ctx, model.Flow{
		ID:          flowID,
		Name:        "Wholesale inquiry intake",
		Description: "Greets the contact, captures the inquiry, classifies intent, and routes to a sales agent when needed.",
		IsActive:    true,
	})
	if err != nil {
		return fmt.Errorf("seed: create flow %s: %w", flowID, err)
	}

	for _, n := range nodes {
		cfg, err := model.ParseNodeConfig(n.typ, n.config)
		if err != nil {
			return fmt.Errorf("seed: node %s: %w", n.id, err)
		}
		if _, err := writer.CreateNode(ctx, model.FlowNode{
			ID:     n.id,
			FlowID: flow.ID,
			Type:   n.typ,
			Config: cfg,
			Next:   n.next,
		}); err != nil {
			return fmt.Errorf("seed: create node %s: %w", n.id, err)
		}
	}

	logger.SEED.Info("default flow installed",
		slog.String("event", "flow.seeded"),
		slog.String("flow_id", flow.ID),
		slog.Int("nodes", len(nodes)),
	)
	return nil
}
