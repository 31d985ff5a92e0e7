package flow

import (
	"fmt"

	"github.com/dop251/goja"

	"github.com/m3rciful/salesbot/core/model"
)

// evalBranches returns the successor chosen by the first branch whose guard
// evaluates truthy against the scratch data. The data map is bound as `$`,
// so guards read like `$.intent == "agent"` or `$.qty > 100`. When no guard
// matches, the explicit default branch wins; ok is false when neither
// applies and the caller should fall back to the first successor.
func evalBranches(cfg *model.ConditionConfig, data map[string]any) (target string, ok bool, err error) {
	if cfg == nil {
		return "", false, nil
	}
	for _, branch := range cfg.Branches {
		truthy, evalErr := evalGuard(branch.When, data)
		if evalErr != nil {
			return "", false, fmt.Errorf("guard %q: %w", branch.When, evalErr)
		}
		if truthy {
			return branch.To, true, nil
		}
	}
	if cfg.Default != "" {
		return cfg.Default, true, nil
	}
	return "", false, nil
}

func evalGuard(expr string, data map[string]any) (bool, error) {
	vm := goja.New()
	if data == nil {
		data = map[string]any{}
	}
	if err := vm.Set("$", data); err != nil {
		return false, err
	}
	val, err := vm.RunString(expr)
	if err != nil {
		return false, err
	}
	return val.ToBoolean(), nil
}
