// Package eventbus publishes run status and audit events on NATS and accepts approval decisions from it.
package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Kristopherlb/harmony-sub001/internal/approval"
	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

// Subject suffixes under the configured prefix.
const (
	SubjectStatus  = "executions.status"
	SubjectAudit   = "audit"
	SubjectApprove = "executions.approve"
	SubjectReject  = "executions.reject"
)

// Conn is the subset of *nats.Conn used here.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Connect dials NATS with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	conn, err := nats.Connect(url,
		nats.Name("harmony-console"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(10),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	logger.Info("nats connected", "url", url)
	return conn, nil
}

func subject(prefix, suffix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return suffix
	}
	return prefix + "." + suffix
}

// StatusEvent is published on every ledger status change.
type StatusEvent struct {
	RunID      string          `json:"run_id"`
	ActionID   string          `json:"action_id"`
	RiskLevel  string          `json:"risk_level"`
	From       workflow.Status `json:"from,omitempty"`
	To         workflow.Status `json:"to"`
	ExecutedBy string          `json:"executed_by"`
	Timestamp  int64           `json:"timestamp"`
}

// Publisher implements workflow.Observer and audit.Sink.
type Publisher struct {
	conn   Conn
	prefix string
	logger *slog.Logger
}

// NewPublisher publishes under prefix.
func NewPublisher(conn Conn, prefix string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{conn: conn, prefix: prefix, logger: logger}
}

// Observe publishes a StatusEvent; failures are logged, never surfaced.
func (p *Publisher) Observe(_ context.Context, exec workflow.Execution, from workflow.Status) {
	event := StatusEvent{
		RunID:      exec.RunID,
		ActionID:   exec.ActionID,
		RiskLevel:  exec.RiskLevel.String(),
		From:       from,
		To:         exec.Status,
		ExecutedBy: exec.ExecutedBy,
		Timestamp:  exec.UpdatedAt.Unix(),
	}
	if err := p.publish(SubjectStatus, event); err != nil {
		p.logger.Warn("publish status failed", "run_id", exec.RunID, "error", err)
	}
}

// Record implements audit.Sink.
func (p *Publisher) Record(_ context.Context, event audit.Event) error {
	return p.publish(SubjectAudit, event)
}

func (p *Publisher) publish(suffix string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", suffix, err)
	}
	subj := subject(p.prefix, suffix)
	if err := p.conn.Publish(subj, data); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

// Decider is satisfied by *approval.Bridge.
type Decider interface {
	Decide(ctx context.Context, d approval.Decision) (bool, error)
}

// Reply is sent back on the request reply subject when one is set.
type Reply struct {
	RunID     string `json:"run_id"`
	Delivered bool   `json:"delivered"`
	Error     string `json:"error,omitempty"`
}

// Subscriber feeds approve and reject messages into a Decider.
type Subscriber struct {
	conn    Conn
	prefix  string
	decider Decider
	logger  *slog.Logger
	subs    []*nats.Subscription
}

// NewSubscriber builds a subscriber; call Start to subscribe.
func NewSubscriber(conn Conn, prefix string, decider Decider, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Subscriber{conn: conn, prefix: prefix, decider: decider, logger: logger}
}

// Start subscribes to the approve and reject subjects.
func (s *Subscriber) Start() error {
	for _, suffix := range []string{SubjectApprove, SubjectReject} {
		approve := suffix == SubjectApprove
		subj := subject(s.prefix, suffix)
		sub, err := s.conn.Subscribe(subj, func(msg *nats.Msg) {
			s.handle(msg, approve)
		})
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subj, err)
		}
		s.subs = append(s.subs, sub)
		s.logger.Info("subscribed", "subject", subj)
	}
	return nil
}

// Close unsubscribes.
func (s *Subscriber) Close() {
	for _, sub := range s.subs {
		if sub == nil {
			continue
		}
		if err := sub.Unsubscribe(); err != nil {
			s.logger.Warn("unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}
	s.subs = nil
}

func (s *Subscriber) handle(msg *nats.Msg, approve bool) {
	var payload protocol.ApprovalCallback
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		s.logger.Warn("invalid approval message", "subject", msg.Subject, "error", err)
		s.reply(msg, Reply{Error: "invalid payload"})
		return
	}
	if payload.RunID == "" || payload.UserID == "" {
		s.reply(msg, Reply{RunID: payload.RunID, Error: "run_id and user_id are required"})
		return
	}
	source := payload.Source
	if source == "" {
		source = "nats"
	}

	delivered, err := s.decider.Decide(context.Background(), approval.Decision{
		RunID:      payload.RunID,
		Approve:    approve,
		ExternalID: payload.UserID,
		Reason:     payload.Reason,
		Source:     source,
	})
	out := Reply{RunID: payload.RunID, Delivered: delivered}
	if err != nil {
		var permErr *errs.PermissionError
		if errors.As(err, &permErr) {
			out.Error = permErr.Error()
		} else {
			s.logger.Error("approval message failed", "run_id", payload.RunID, "error", err)
			out.Error = "delivery failed"
		}
	}
	s.reply(msg, out)
}

func (s *Subscriber) reply(msg *nats.Msg, r Reply) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := s.conn.Publish(msg.Reply, data); err != nil {
		s.logger.Warn("reply failed", "subject", msg.Reply, "error", err)
	}
}
