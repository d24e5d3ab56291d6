// Package store is the durable state layer (spec §4.2): bbolt-backed
// persistence for workflows and tasks, with HMAC-SHA256 row signatures for
// tamper detection and AES-GCM encryption of whole task rows for pii/phi
// classified tasks. Grounded on persistence.go's bbolt layout, with the
// crypto layered on top since the teacher never classified row data.
// PutWorkflow keeps an in-memory cache of written workflows, but every
// read goes to bbolt and verifies the row signature.
package store

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/swarmlite/internal/kernelerr"
	"github.com/swarmguard/swarmlite/internal/workflow"
)

var (
	bucketWorkflows = []byte("workflows")
	bucketTasks     = []byte("tasks")
)

// Store wraps a bbolt handle with the signing/encryption envelope used for
// every row write and read.
type Store struct {
	db         *bbolt.DB
	signingKey []byte
	encKey     []byte // optional; required only for pii/phi task rows

	mu    sync.RWMutex
	cache map[string]*workflow.Workflow
}

// Open creates or opens the bbolt file at path and ensures buckets exist.
// signingKey must be non-empty (AUDIT_SECRET_KEY); encKey may be nil until
// a pii/phi-classified task is persisted.
func Open(path string, signingKey, encKey []byte) (*Store, error) {
	if len(signingKey) == 0 {
		return nil, fmt.Errorf("store: signing key is required")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bbolt: %v", kernelerr.ErrStoreUnavailable, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketWorkflows); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketTasks); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: create buckets: %v", kernelerr.ErrStoreUnavailable, err)
	}
	return &Store{db: db, signingKey: signingKey, encKey: encKey, cache: make(map[string]*workflow.Workflow)}, nil
}

// Close closes the underlying bbolt handle.
func (s *Store) Close() error { return s.db.Close() }

// envelope is the on-disk row shape: ciphertext-or-plaintext payload plus
// an HMAC-SHA256 signature over it, so a row edited outside the kernel is
// detected at read time rather than silently trusted.
type envelope struct {
	Payload   []byte `json:"payload"`
	Encrypted bool   `json:"encrypted"`
	Nonce     []byte `json:"nonce,omitempty"`
	Signature string `json:"signature"`
}

func (s *Store) sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.signingKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Store) verify(payload []byte, sig string) error {
	want := s.sign(payload)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return kernelerr.ErrIntegrityViolation
	}
	return nil
}

func (s *Store) encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	if len(s.encKey) == 0 {
		return nil, nil, fmt.Errorf("store: DB_ENCRYPTION_KEY is required for pii/phi rows")
	}
	block, err := aes.NewCipher(deriveAESKey(s.encKey))
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, err
	}
	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (s *Store) decrypt(ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(deriveAESKey(s.encKey))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, nil)
}

// deriveAESKey folds an arbitrary-length secret down to AES-256's required
// 32 bytes, the same way the rest of the kernel treats secrets as opaque
// byte strings rather than requiring operators to hand-size keys exactly.
func deriveAESKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

func sensitiveTask(t *workflow.Task) bool {
	return t.DataClassification.Sensitive()
}

// PutWorkflow persists the workflow's metadata (not its tasks — those are
// written individually via PutTask so CAS transitions don't require a
// full-workflow rewrite).
func (s *Store) PutWorkflow(ctx context.Context, wf *workflow.Workflow) error {
	wf.UpdatedAt = time.Now()
	meta := *wf
	meta.Tasks = nil // tasks live in bucketTasks
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	env := envelope{Payload: payload, Signature: s.sign(payload)}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).Put([]byte(wf.WorkflowID), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: put workflow: %v", kernelerr.ErrStoreUnavailable, err)
	}

	for _, t := range wf.Tasks {
		if err := s.PutTask(ctx, wf.WorkflowID, t); err != nil {
			return err
		}
	}

	s.mu.Lock()
	s.cache[wf.WorkflowID] = wf
	s.mu.Unlock()
	return nil
}

// GetWorkflow reads the workflow metadata and all of its tasks, verifying
// every row's signature.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketWorkflows).Get([]byte(id))
		if v == nil {
			return kernelerr.ErrValidation
		}
		raw = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		if errors.Is(err, kernelerr.ErrValidation) {
			return nil, fmt.Errorf("workflow %q not found: %w", id, err)
		}
		return nil, fmt.Errorf("%w: get workflow: %v", kernelerr.ErrStoreUnavailable, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if err := s.verify(env.Payload, env.Signature); err != nil {
		return nil, fmt.Errorf("workflow %q: %w", id, err)
	}
	var wf workflow.Workflow
	if err := json.Unmarshal(env.Payload, &wf); err != nil {
		return nil, err
	}

	tasks, err := s.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	wf.Tasks = tasks
	return &wf, nil
}

func taskKey(workflowID, taskID string) []byte {
	return []byte(workflowID + "/" + taskID)
}

// PutTask writes a single task row, encrypting the whole row if the task's
// classification is pii or phi.
func (s *Store) PutTask(ctx context.Context, workflowID string, t *workflow.Task) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}

	env := envelope{}
	if sensitiveTask(t) {
		ciphertext, nonce, err := s.encrypt(payload)
		if err != nil {
			return err
		}
		env.Payload = ciphertext
		env.Nonce = nonce
		env.Encrypted = true
	} else {
		env.Payload = payload
	}
	env.Signature = s.sign(env.Payload)

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put(taskKey(workflowID, t.ID), raw)
	})
	if err != nil {
		return fmt.Errorf("%w: put task: %v", kernelerr.ErrStoreUnavailable, err)
	}
	return nil
}

// GetTask reads and decrypts (if needed) a single task row.
func (s *Store) GetTask(ctx context.Context, workflowID, taskID string) (*workflow.Task, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTasks).Get(taskKey(workflowID, taskID))
		if v == nil {
			return kernelerr.ErrValidation
		}
		raw = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("task %q not found: %w", taskID, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if err := s.verify(env.Payload, env.Signature); err != nil {
		return nil, fmt.Errorf("task %q: %w", taskID, err)
	}

	payload := env.Payload
	if env.Encrypted {
		plain, err := s.decrypt(env.Payload, env.Nonce)
		if err != nil {
			return nil, fmt.Errorf("task %q: decrypt: %w", taskID, err)
		}
		payload = plain
	}

	var t workflow.Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTasks reads every task row belonging to a workflow.
func (s *Store) ListTasks(ctx context.Context, workflowID string) (map[string]*workflow.Task, error) {
	prefix := []byte(workflowID + "/")
	tasks := make(map[string]*workflow.Task)

	var rows [][]byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketTasks).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			rows = append(rows, append([]byte{}, v...))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", kernelerr.ErrStoreUnavailable, err)
	}

	for _, raw := range rows {
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, err
		}
		if err := s.verify(env.Payload, env.Signature); err != nil {
			return nil, err
		}
		payload := env.Payload
		if env.Encrypted {
			plain, err := s.decrypt(env.Payload, env.Nonce)
			if err != nil {
				return nil, err
			}
			payload = plain
		}
		var t workflow.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return nil, err
		}
		tasks[t.ID] = &t
	}
	return tasks, nil
}

// ListInFlight returns every workflow whose status is RUNNING, used by the
// recovery component at startup (spec §4.9).
func (s *Store) ListInFlight(ctx context.Context) ([]*workflow.Workflow, error) {
	var ids []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if err := s.verify(env.Payload, env.Signature); err != nil {
				return err
			}
			var wf workflow.Workflow
			if err := json.Unmarshal(env.Payload, &wf); err != nil {
				return err
			}
			if wf.Status == workflow.StatusRunning {
				ids = append(ids, wf.WorkflowID)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list in-flight: %v", kernelerr.ErrStoreUnavailable, err)
	}

	out := make([]*workflow.Workflow, 0, len(ids))
	for _, id := range ids {
		wf, err := s.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

// CASTaskStatus atomically transitions a task from `from` to `to`,
// returning false (no error) if the task was not in `from` — the
// compare-and-set primitive the scheduler uses to guarantee a task is
// never dispatched twice (spec invariant 3).
func (s *Store) CASTaskStatus(ctx context.Context, workflowID, taskID string, from, to workflow.TaskStatus) (bool, error) {
	var ok bool
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		key := taskKey(workflowID, taskID)
		raw := b.Get(key)
		if raw == nil {
			return fmt.Errorf("task %q not found", taskID)
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			return err
		}
		if err := s.verify(env.Payload, env.Signature); err != nil {
			return err
		}
		payload := env.Payload
		if env.Encrypted {
			plain, err := s.decrypt(env.Payload, env.Nonce)
			if err != nil {
				return err
			}
			payload = plain
		}
		var t workflow.Task
		if err := json.Unmarshal(payload, &t); err != nil {
			return err
		}
		if t.Status != from {
			ok = false
			return nil
		}
		t.Status = to
		switch to {
		case workflow.TaskRunning:
			t.StartedAt = time.Now()
		case workflow.TaskSuccess, workflow.TaskFailed, workflow.TaskSkipped, workflow.TaskRollback:
			t.FinishedAt = time.Now()
		}

		newPayload, err := json.Marshal(t)
		if err != nil {
			return err
		}
		newEnv := envelope{Encrypted: env.Encrypted}
		if env.Encrypted {
			ciphertext, nonce, err := s.encrypt(newPayload)
			if err != nil {
				return err
			}
			newEnv.Payload = ciphertext
			newEnv.Nonce = nonce
		} else {
			newEnv.Payload = newPayload
		}
		newEnv.Signature = s.sign(newEnv.Payload)
		newRaw, err := json.Marshal(newEnv)
		if err != nil {
			return err
		}
		if err := b.Put(key, newRaw); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("%w: cas task status: %v", kernelerr.ErrStoreUnavailable, err)
	}
	return ok, nil
}

// FindByIdempotencyKey scans workflows for one matching key, used to
// dedup workflow-start requests (spec §6.1 idempotency_key).
func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*workflow.Workflow, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	var found string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkflows).ForEach(func(k, v []byte) error {
			var env envelope
			if err := json.Unmarshal(v, &env); err != nil {
				return err
			}
			if err := s.verify(env.Payload, env.Signature); err != nil {
				return err
			}
			var wf workflow.Workflow
			if err := json.Unmarshal(env.Payload, &wf); err != nil {
				return err
			}
			if wf.IdempotencyKey == key {
				found = wf.WorkflowID
			}
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: find by idempotency key: %v", kernelerr.ErrStoreUnavailable, err)
	}
	if found == "" {
		return nil, false, nil
	}
	wf, err := s.GetWorkflow(ctx, found)
	if err != nil {
		return nil, false, err
	}
	return wf, true, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
