package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

func TestRegistryLookupUnknownTypeIsPermanent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("ghost", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrPermanent))
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	noop := fakeHandler{result: Result{Output: map[string]any{"ok": true}}}
	r.Register("noop", noop)

	h, err := r.Lookup("noop", "")
	require.NoError(t, err)
	res, err := h.Execute(context.Background(), &workflow.Task{ID: "a"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["ok"])
}

func TestRegistryLookupPrefersFunctionScopedHandler(t *testing.T) {
	r := NewRegistry()
	r.Register("llm", fakeHandler{result: Result{Output: map[string]any{"which": "default"}}})
	r.RegisterFunction("llm", "summarize", fakeHandler{result: Result{Output: map[string]any{"which": "summarize"}}})

	h, err := r.Lookup("llm", "summarize")
	require.NoError(t, err)
	res, _ := h.Execute(context.Background(), &workflow.Task{ID: "a"})
	assert.Equal(t, "summarize", res.Output["which"])

	h, err = r.Lookup("llm", "unregistered-function")
	require.NoError(t, err)
	res, _ = h.Execute(context.Background(), &workflow.Task{ID: "a"})
	assert.Equal(t, "default", res.Output["which"])
}

func TestHTTPHandlerSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"hello": "world"})
	}))
	defer srv.Close()

	h := NewHTTPHandler(func(string) map[string]any { return nil })
	task := &workflow.Task{
		ID:   "a",
		Type: "http",
		Config: map[string]any{
			"params": map[string]any{"url": srv.URL, "method": "GET"},
		},
	}
	res, err := h.Execute(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Output["status_code"])
}

func TestHTTPHandlerServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	h := NewHTTPHandler(func(string) map[string]any { return nil })
	task := &workflow.Task{
		ID:   "a",
		Type: "http",
		Config: map[string]any{
			"params": map[string]any{"url": srv.URL, "method": "GET"},
		},
	}
	_, err := h.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrTransient))
}

func TestHTTPHandlerClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	h := NewHTTPHandler(func(string) map[string]any { return nil })
	task := &workflow.Task{
		ID:   "a",
		Type: "http",
		Config: map[string]any{
			"params": map[string]any{"url": srv.URL, "method": "GET"},
		},
	}
	_, err := h.Execute(context.Background(), task)
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrPermanent))
}

func TestHTTPHandlerResolvesTemplateRefs(t *testing.T) {
	h := NewHTTPHandler(func(taskID string) map[string]any {
		if taskID == "upstream" {
			return map[string]any{"id": "abc-123"}
		}
		return nil
	})
	resolved := h.resolveString("https://example.com/items/{{upstream.id}}")
	assert.Equal(t, "https://example.com/items/abc-123", resolved)
}

func TestLLMHandlerMissingParamsIsPermanent(t *testing.T) {
	h := NewLLMHandler("http://localhost:0")
	_, err := h.Execute(context.Background(), &workflow.Task{ID: "a"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, kernelerr.ErrPermanent))
}

type fakeHandler struct {
	result Result
	err    error
}

func (f fakeHandler) Execute(ctx context.Context, t *workflow.Task) (Result, error) {
	return f.result, f.err
}
