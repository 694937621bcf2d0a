package executor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
)

var errExecutionAlreadyPending = errors.New("execution already pending")

type asyncResult struct {
	status string
	result string
}

// PendingStore keeps async executions waiting for their webhook.
type PendingStore struct {
	mu      sync.Mutex
	pending map[string]chan asyncResult
}

// NewPendingStore creates an empty store.
func NewPendingStore() *PendingStore {
	return &PendingStore{pending: make(map[string]chan asyncResult)}
}

// Register allocates a slot for runID.
func (s *PendingStore) Register(runID string) (<-chan asyncResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.pending[runID]; exists {
		return nil, errExecutionAlreadyPending
	}
	ch := make(chan asyncResult, 1)
	s.pending[runID] = ch
	return ch, nil
}

// Resolve delivers a result for runID and reports whether anything was waiting.
func (s *PendingStore) Resolve(runID, status, result string) bool {
	ch, ok := s.pop(runID)
	if !ok {
		return false
	}
	ch <- asyncResult{status: status, result: result}
	close(ch)
	return true
}

// Cancel drops the slot for runID without a result.
func (s *PendingStore) Cancel(runID string) {
	if ch, ok := s.pop(runID); ok {
		close(ch)
	}
}

func (s *PendingStore) pop(runID string) (chan asyncResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.pending[runID]
	if ok {
		delete(s.pending, runID)
	}
	return ch, ok
}

// WebhookHandler receives results from async executors.
type WebhookHandler struct {
	Store  *PendingStore
	Logger *slog.Logger
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	var payload protocol.ExecutorResult
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	runID := strings.TrimSpace(payload.RunID)
	status := strings.ToLower(strings.TrimSpace(payload.Status))
	if runID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch status {
	case protocol.StatusSuccess, protocol.StatusError:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	result := stringifyResult(payload.Result)
	if status == protocol.StatusError && result == "" {
		result = "executor error"
	}
	if !h.Store.Resolve(runID, status, result) {
		if h.Logger != nil {
			h.Logger.Warn("executor webhook not found", "run_id", runID)
		}
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusOK)
}
