package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
	"github.com/Kristopherlb/harmony-sub001/internal/security"
)

// HTTP delegates the execute phase to a remote endpoint.
type HTTP struct {
	// URL is the executor endpoint.
	URL string
	// Method overrides the HTTP method.
	Method string
	// Headers adds HTTP headers.
	Headers map[string]string
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
	// Async waits for a webhook callback after a 202 or pending reply.
	Async bool
	// WebhookURL is handed to the executor as the callback target.
	WebhookURL string
	// Pending tracks async executions.
	Pending *PendingStore
	// Client overrides the HTTP client.
	Client *http.Client
}

// Execute posts the phase to the remote executor and returns its result.
func (h HTTP) Execute(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(h.URL) == "" {
		return "", errors.New("executor url is empty")
	}
	if h.Async {
		if strings.TrimSpace(h.WebhookURL) == "" {
			return "", errors.New("executor webhook url is empty")
		}
		if h.Pending == nil {
			return "", errors.New("executor async store is not configured")
		}
	}

	timeoutSec := 0
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 {
			timeoutSec = max(int(remaining.Seconds()), 1)
		}
	}

	payload := protocol.ExecutorRequest{
		RunID:      req.RunID,
		Action:     protocol.ExecutorAction{ID: req.ActionID, Name: req.ActionName},
		Phase:      req.Phase,
		Params:     security.RedactArguments(req.Params),
		TimeoutSec: timeoutSec,
	}
	if h.Async {
		payload.Callback = &protocol.ExecutorCallback{URL: h.WebhookURL}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode request: %w", err)
	}

	method := strings.ToUpper(strings.TrimSpace(h.Method))
	if method == "" {
		method = http.MethodPost
	}
	request, err := http.NewRequestWithContext(ctx, method, h.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	for key, value := range h.Headers {
		request.Header.Set(key, value)
	}

	client := h.Client
	if client == nil {
		timeout := h.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	var pendingCh <-chan asyncResult
	if h.Async {
		ch, err := h.Pending.Register(req.RunID)
		if err != nil {
			return "", err
		}
		pendingCh = ch
		defer h.Pending.Cancel(req.RunID)
	}

	resp, err := client.Do(request)
	if err != nil {
		return "", fmt.Errorf("executor request failed: %w", err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	trimmed := strings.TrimSpace(string(data))

	if h.Async && resp.StatusCode == http.StatusAccepted && trimmed == "" {
		return h.await(ctx, pendingCh)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("executor status %d: %s", resp.StatusCode, trimmed)
	}

	var parsed protocol.ExecutorResponse
	if err := json.Unmarshal(data, &parsed); err != nil || strings.TrimSpace(parsed.Status) == "" {
		if h.Async && resp.StatusCode == http.StatusAccepted {
			return h.await(ctx, pendingCh)
		}
		return trimmed, nil
	}

	result := stringifyResult(parsed.Result)
	switch strings.ToLower(strings.TrimSpace(parsed.Status)) {
	case protocol.StatusSuccess:
		return result, nil
	case protocol.StatusError:
		if result == "" {
			result = "executor error"
		}
		return "", errors.New(result)
	case protocol.StatusPending:
		if h.Async {
			return h.await(ctx, pendingCh)
		}
		return "", errors.New("executor returned pending status")
	default:
		return "", fmt.Errorf("unknown executor status: %s", parsed.Status)
	}
}

func (h HTTP) await(ctx context.Context, pendingCh <-chan asyncResult) (string, error) {
	select {
	case result, ok := <-pendingCh:
		if !ok {
			return "", errors.New("execution webhook channel closed")
		}
		if result.status == protocol.StatusSuccess {
			return result.result, nil
		}
		return "", errors.New(result.result)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func stringifyResult(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(typed)
	default:
		data, err := json.Marshal(typed)
		if err != nil {
			return fmt.Sprintf("%v", typed)
		}
		return strings.TrimSpace(string(data))
	}
}
