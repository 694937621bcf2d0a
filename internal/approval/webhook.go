package approval

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
)

const maxCallbackBytes = 64 << 10

// Signature headers sent by chat integrations.
const (
	HeaderTimestamp = "X-Harmony-Timestamp"
	HeaderSignature = "X-Harmony-Signature"
)

const defaultMaxSkew = 5 * time.Minute

// WebhookHandler accepts signed approval callbacks from chat channels.
// Requests are refused while Secret is empty.
type WebhookHandler struct {
	Bridge *Bridge
	Logger *slog.Logger
	// Secret is the shared HMAC key.
	Secret string
	// MaxSkew bounds the signed timestamp age; zero means five minutes.
	MaxSkew time.Duration
	Now     func() time.Time
}

// Sign returns the signature header value for body signed at ts (unix seconds).
func Sign(secret, ts string, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "\n" + hex.EncodeToString(sum[:])))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (h *WebhookHandler) verify(r *http.Request, body []byte) error {
	ts := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if ts == "" || sig == "" {
		return errors.New("missing signature headers")
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return errors.New("invalid signature timestamp")
	}
	skew := h.MaxSkew
	if skew <= 0 {
		skew = defaultMaxSkew
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	if d := now().Sub(time.Unix(unix, 0)); d > skew || d < -skew {
		return errors.New("signature timestamp outside allowed skew")
	}
	if !hmac.Equal([]byte(Sign(h.Secret, ts, body)), []byte(sig)) {
		return errors.New("invalid signature")
	}
	return nil
}

type webhookResponse struct {
	RunID     string `json:"runId"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// ServeHTTP decodes a protocol.ApprovalCallback and hands it to the bridge.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.Bridge == nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if strings.TrimSpace(h.Secret) == "" {
		h.logger().Error("approval webhook secret is not configured")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallbackBytes))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if err := h.verify(r, body); err != nil {
		h.logger().Warn("approval webhook refused", "remote", r.RemoteAddr, "error", err)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	var payload protocol.ApprovalCallback
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	runID := strings.TrimSpace(payload.RunID)
	userID := strings.TrimSpace(payload.UserID)
	decision := strings.ToLower(strings.TrimSpace(payload.Decision))
	if runID == "" || userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch decision {
	case protocol.DecisionApprove, protocol.DecisionReject:
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	source := payload.Source
	if source == "" {
		source = "webhook"
	}

	delivered, err := h.Bridge.Decide(r.Context(), Decision{
		RunID:      runID,
		Approve:    decision == protocol.DecisionApprove,
		ExternalID: userID,
		Reason:     payload.Reason,
		Source:     source,
	})
	var permErr *errs.PermissionError
	switch {
	case errors.As(err, &permErr):
		writeJSON(w, http.StatusForbidden, webhookResponse{RunID: runID, Error: permErr.Error()})
	case err != nil:
		h.logger().Error("approval webhook failed", "run_id", runID, "error", err)
		writeJSON(w, http.StatusBadGateway, webhookResponse{RunID: runID, Error: "delivery failed"})
	case !delivered:
		h.logger().Warn("approval webhook not applied", "run_id", runID)
		writeJSON(w, http.StatusConflict, webhookResponse{RunID: runID})
	default:
		writeJSON(w, http.StatusOK, webhookResponse{RunID: runID, Delivered: true})
	}
}

func (h *WebhookHandler) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return h.Logger
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
