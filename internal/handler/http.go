package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// templateRef matches {{task_id.field}} or {{workflow.field}}, the same
// substitution syntax plugins.go's resolveTemplate supports.
var templateRef = regexp.MustCompile(`\{\{\s*([\w-]+)\.([\w-]+)\s*\}\}`)

// HTTPHandler calls an external HTTP endpoint, templating the request body
// against prior task outputs the way plugins.go's HTTPPlugin does.
type HTTPHandler struct {
	Client  *http.Client
	Outputs func(taskID string) map[string]any
}

// NewHTTPHandler builds an HTTPHandler with a connection-pooled client.
func NewHTTPHandler(outputs func(taskID string) map[string]any) *HTTPHandler {
	return &HTTPHandler{
		Client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Outputs: outputs,
	}
}

func (h *HTTPHandler) Execute(ctx context.Context, t *workflow.Task) (Result, error) {
	params := t.Params()
	url, _ := params["url"].(string)
	if url == "" {
		return Result{}, fmt.Errorf("%w: http task %s missing config.params.url", kernelerr.ErrPermanent, t.ID)
	}
	method, _ := params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if raw, ok := params["body"]; ok {
		resolved := h.resolve(raw)
		encoded, err := json.Marshal(resolved)
		if err != nil {
			return Result{}, fmt.Errorf("%w: encode body: %v", kernelerr.ErrPermanent, err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.resolveString(url), body)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", kernelerr.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: request failed: %v", kernelerr.ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: server error %d", kernelerr.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("%w: client error %d: %s", kernelerr.ErrPermanent, resp.StatusCode, string(respBody))
	}

	var decoded map[string]any
	_ = json.Unmarshal(respBody, &decoded)
	return Result{Output: map[string]any{"status_code": resp.StatusCode, "body": decoded}}, nil
}

// Compensate issues a rollback HTTP call if the task's config names a
// compensate_url, the HTTP-plugin equivalent of plugins.go's template
// resolution applied to an undo request instead of the forward one.
func (h *HTTPHandler) Compensate(ctx context.Context, t *workflow.Task, result Result) error {
	params := t.Params()
	compensateURL, _ := params["compensate_url"].(string)
	if compensateURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.resolveString(compensateURL), nil)
	if err != nil {
		return err
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("compensate call returned %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPHandler) resolveString(s string) string {
	return templateRef.ReplaceAllStringFunc(s, func(m string) string {
		sub := templateRef.FindStringSubmatch(m)
		taskID, field := sub[1], sub[2]
		out := h.Outputs(taskID)
		if v, ok := out[field]; ok {
			return fmt.Sprintf("%v", v)
		}
		return m
	})
}

func (h *HTTPHandler) resolve(v any) any {
	switch val := v.(type) {
	case string:
		return h.resolveString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = h.resolve(vv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = h.resolve(vv)
		}
		return out
	default:
		return v
	}
}
