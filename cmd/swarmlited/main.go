package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/swarmguard/swarmlite/internal/audit"
	"github.com/swarmguard/swarmlite/internal/config"
	"github.com/swarmguard/swarmlite/internal/governance"
	"github.com/swarmguard/swarmlite/internal/handler"
	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/logging"
	"github.com/swarmguard/swarmlite/internal/otelinit"
	"github.com/swarmguard/swarmlite/internal/parser"
	"github.com/swarmguard/swarmlite/internal/scheduler"
	"github.com/swarmguard/swarmlite/internal/store"

	"go.etcd.io/bbolt"
)

type startRequest struct {
	Definition     json.RawMessage `json:"definition"`
	IdempotencyKey string          `json:"idempotency_key"`
}

func main() {
	service := "swarmlited"
	logging.Init(service)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	shutdownTrace := otelinit.InitTracer(ctx, service)
	shutdownMetrics, meter := otelinit.InitMetrics(ctx, service)

	dataDir := os.Getenv("SWARMLITE_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("create data dir failed", "error", err)
		os.Exit(1)
	}

	st, err := store.Open(filepath.Join(dataDir, "swarmlite.db"), cfg.AuditSecretKey, cfg.DBEncryptionKey)
	if err != nil {
		slog.Error("state store open failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	auditDB, err := bbolt.Open(filepath.Join(dataDir, "audit.db"), 0o600, nil)
	if err != nil {
		slog.Error("audit db open failed", "error", err)
		os.Exit(1)
	}
	defer auditDB.Close()

	auditLog, err := audit.Open(auditDB, cfg.AuditSecretKey)
	if err != nil {
		slog.Error("audit log open failed", "error", err)
		os.Exit(1)
	}

	var gate governance.Gate = governance.AllowAllGate{}
	if cfg.GovernanceConfigPath != "" {
		opaGate, err := governance.NewOPAGate(ctx, cfg.GovernanceConfigPath)
		if err != nil {
			slog.Error("governance gate init failed", "error", err)
			os.Exit(1)
		}
		gate = opaGate
	}

	registry := handler.NewRegistry()
	registry.Register("http", handler.NewHTTPHandler(func(string) map[string]any { return nil }))
	registry.Register("python", handler.NewPythonHandler(""))
	registry.Register("llm", handler.NewLLMHandler(os.Getenv("MODEL_REGISTRY_URL")))

	sched, err := scheduler.New(scheduler.Config{
		Store:      st,
		Audit:      auditLog,
		Gate:       gate,
		Registry:   registry,
		MaxWorkers: cfg.MaxWorkers,
		Tracer:     otel.Tracer(service),
		Meter:      meter,
	})
	if err != nil {
		slog.Error("scheduler init failed", "error", err)
		os.Exit(1)
	}

	if err := sched.RecoverAll(ctx); err != nil {
		slog.Error("recovery failed", "error", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/health/governance", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/health/compliance", func(w http.ResponseWriter, r *http.Request) {
		if err := auditLog.Verify(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/workflows/start", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("X-Request-Source") == "" || r.Header.Get("X-Client-ID") == "" {
			http.Error(w, "X-Request-Source and X-Client-ID headers are required", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var req startRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		wf, err := parser.ParseJSON(req.Definition)
		if err != nil {
			status := http.StatusUnprocessableEntity
			if errors.Is(err, kernelerr.ErrValidation) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		wf.IdempotencyKey = req.IdempotencyKey

		if req.IdempotencyKey != "" {
			existing, ok, err := st.FindByIdempotencyKey(r.Context(), req.IdempotencyKey)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if ok {
				if existing.DefinitionHash != wf.DefinitionHash {
					http.Error(w, "idempotency key reused with a different workflow definition", http.StatusConflict)
					return
				}
				_ = json.NewEncoder(w).Encode(existing.Snapshot())
				return
			}
		}

		go func() {
			if err := sched.Start(context.Background(), wf); err != nil {
				slog.Error("workflow run failed", "workflow_id", wf.WorkflowID, "error", err)
			}
		}()

		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"workflow_id": wf.WorkflowID})
	})

	mux.HandleFunc("/workflows/", func(w http.ResponseWriter, r *http.Request) {
		id, action := splitWorkflowPath(r.URL.Path)
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch action {
		case "status":
			wf, err := st.GetWorkflow(r.Context(), id)
			if err != nil {
				http.NotFound(w, r)
				return
			}
			_ = json.NewEncoder(w).Encode(wf.Snapshot())
		case "stop":
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			if sched.Stop(id) {
				w.WriteHeader(http.StatusAccepted)
			} else {
				http.Error(w, "workflow is not running", http.StatusConflict)
			}
		default:
			http.NotFound(w, r)
		}
	})

	srv := &http.Server{Addr: ":8080", Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()
	slog.Info("swarmlited started")

	<-ctx.Done()
	slog.Info("shutdown initiated")
	ctxSd, c2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer c2()
	_ = srv.Shutdown(ctxSd)
	otelinit.Flush(ctxSd, shutdownTrace)
	_ = shutdownMetrics(ctxSd)
	slog.Info("shutdown complete")
}

// splitWorkflowPath parses "/workflows/{id}/{action}" into its parts.
func splitWorkflowPath(path string) (id, action string) {
	const prefix = "/workflows/"
	if len(path) <= len(prefix) {
		return "", ""
	}
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}
