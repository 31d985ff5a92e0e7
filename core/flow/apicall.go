package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/oliveagle/jsonpath"

	"github.com/m3rciful/salesbot/core/model"
)

// apiInvoker executes http api nodes: it resolves request params from
// scratch data, performs the call, and captures response fields back into
// scratch data via JSONPath expressions.
type apiInvoker struct {
	client *http.Client
}

func newAPIInvoker(client *http.Client) *apiInvoker {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &apiInvoker{client: client}
}

// invoke performs the configured call and returns the captured values.
func (a *apiInvoker) invoke(ctx context.Context, cfg *model.APIConfig, data map[string]any) (map[string]any, error) {
	params := resolveParams(cfg.Params, data)

	var body io.Reader
	if cfg.Method != http.MethodGet && len(params) > 0 {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if cfg.Method == http.MethodGet && len(params) > 0 {
		q := req.URL.Query()
		for k, v := range params {
			q.Set(k, fmt.Sprint(v))
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", cfg.Endpoint, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("call %s: unexpected status %s", cfg.Endpoint, resp.Status)
	}
	if len(cfg.Capture) == 0 {
		return nil, nil
	}

	var decoded any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	captured := make(map[string]any, len(cfg.Capture))
	for key, path := range cfg.Capture {
		value, lookupErr := jsonpath.JsonPathLookup(decoded, path)
		if lookupErr != nil {
			// Missing capture paths are tolerated; the key just stays unset.
			continue
		}
		captured[key] = value
	}
	return captured, nil
}

// resolveParams substitutes "$"-prefixed string values with JSONPath lookups
// against the scratch data, recursing into nested maps.
func resolveParams(params map[string]any, data map[string]any) map[string]any {
	if len(params) == 0 {
		return nil
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case map[string]any:
			out[k] = resolveParams(val, data)
		case string:
			if strings.HasPrefix(val, "$") {
				resolved, err := jsonpath.JsonPathLookup(data, val)
				if err == nil {
					out[k] = resolved
					continue
				}
			}
			out[k] = val
		default:
			out[k] = v
		}
	}
	return out
}
