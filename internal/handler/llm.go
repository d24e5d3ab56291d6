package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

// LLMHandler calls an external model-inference endpoint, grounded on
// plugins.go's ModelInferencePlugin (HTTP POST to MODEL_REGISTRY_URL).
type LLMHandler struct {
	Client      *http.Client
	RegistryURL string
}

// NewLLMHandler builds a handler targeting the given inference endpoint.
func NewLLMHandler(registryURL string) *LLMHandler {
	return &LLMHandler{
		Client:      &http.Client{Timeout: 60 * time.Second},
		RegistryURL: registryURL,
	}
}

func (l *LLMHandler) Execute(ctx context.Context, t *workflow.Task) (Result, error) {
	params := t.Params()
	model, _ := params["model"].(string)
	prompt, _ := params["prompt"].(string)
	if model == "" || prompt == "" {
		return Result{}, fmt.Errorf("%w: llm task %s requires config.params.model and .prompt", kernelerr.ErrPermanent, t.ID)
	}

	body, err := json.Marshal(map[string]any{"model": model, "prompt": prompt})
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %v", kernelerr.ErrPermanent, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.RegistryURL+"/v1/inference", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", kernelerr.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.Client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: inference call failed: %v", kernelerr.ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Result{}, fmt.Errorf("%w: model registry returned %d", kernelerr.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return Result{}, fmt.Errorf("%w: model registry returned %d", kernelerr.ErrPermanent, resp.StatusCode)
	}

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("%w: decode response: %v", kernelerr.ErrTransient, err)
	}
	return Result{Output: out}, nil
}
