// Package approval turns approve and reject decisions from any channel into engine transitions.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/audit"
	"github.com/Kristopherlb/harmony-sub001/internal/errs"
	"github.com/Kristopherlb/harmony-sub001/internal/protocol"
)

const auditSource = "approval-bridge"

// Deliverer hands a decision to whatever hosts the run.
type Deliverer interface {
	// Deliver reports false when the run did not accept the decision.
	Deliver(ctx context.Context, runID string, signal protocol.ApprovalSignal) (bool, error)
}

// Authorizer decides whether a set of role names may approve.
type Authorizer interface {
	AnyCanApprove(roles []string) bool
}

// Resolver maps external ids to identities.
type Resolver interface {
	Resolve(externalID string) Identity
}

// Decision is an approve or reject click from an external channel.
type Decision struct {
	RunID      string
	Approve    bool
	ExternalID string
	Reason     string
	Source     string
}

// Bridge resolves identities, authorizes them and delivers signals.
type Bridge struct {
	Resolver  Resolver
	Authz     Authorizer
	Deliverer Deliverer
	Audit     audit.Sink
	Logger    *slog.Logger
	Now       func() time.Time
}

// Decide resolves d.ExternalID and delivers the decision if the identity may approve.
func (b *Bridge) Decide(ctx context.Context, d Decision) (bool, error) {
	identity := b.Resolver.Resolve(d.ExternalID)
	if !b.Authz.AnyCanApprove(identity.Roles) {
		b.logger().Warn("approval denied", "run_id", d.RunID, "external_id", d.ExternalID, "mapped", identity.Mapped)
		return false, errs.Insufficient()
	}
	signal := NewSignal(d.Approve, identity, d.Reason, d.Source, b.now())
	return b.Deliver(ctx, d.RunID, signal)
}

// Deliver sends an already authorized signal. The engine audits applied
// decisions; signals that were not applied are audited here.
func (b *Bridge) Deliver(ctx context.Context, runID string, signal protocol.ApprovalSignal) (bool, error) {
	delivered, err := b.Deliverer.Deliver(ctx, runID, signal)
	if err != nil {
		return false, fmt.Errorf("deliver %s for %s: %w", signal.Decision, runID, err)
	}
	b.logger().Info("approval signal", "run_id", runID, "decision", signal.Decision, "approver", signal.ApproverID, "delivered", delivered)
	if delivered || b.Audit == nil {
		return delivered, nil
	}
	err = b.Audit.Record(ctx, audit.Event{
		Timestamp: signal.Timestamp,
		Source:    auditSource,
		Severity:  audit.SeverityWarning,
		Message:   fmt.Sprintf("Approval signal %s not applied", signal.Decision),
		Payload: map[string]any{
			"runId":         runID,
			"decision":      signal.Decision,
			"approverId":    signal.ApproverID,
			"approverName":  signal.ApproverName,
			"approverRoles": signal.ApproverRoles,
			"reason":        signal.Reason,
			"source":        signal.Source,
		},
	})
	if err != nil {
		b.logger().Error("audit approval failed", "run_id", runID, "error", err)
	}
	return false, nil
}

// NewSignal formats a decision payload.
func NewSignal(approve bool, identity Identity, reason, source string, now time.Time) protocol.ApprovalSignal {
	decision := protocol.DecisionReject
	if approve {
		decision = protocol.DecisionApprove
	}
	roles := identity.Roles
	if roles == nil {
		roles = []string{}
	}
	return protocol.ApprovalSignal{
		Decision:      decision,
		ApproverID:    identity.ID,
		ApproverName:  identity.Name,
		ApproverRoles: roles,
		Reason:        reason,
		Timestamp:     now.UTC(),
		Source:        source,
	}
}

func (b *Bridge) logger() *slog.Logger {
	if b.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return b.Logger
}

func (b *Bridge) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

// Engine is the part of the workflow engine a LocalDeliverer needs.
type Engine interface {
	ApproveWorkflow(ctx context.Context, runID, approverID string) bool
	RejectWorkflow(ctx context.Context, runID, approverID, reason string) bool
}

// LocalDeliverer applies decisions to the in-process engine.
type LocalDeliverer struct {
	Engine Engine
}

// Deliver implements Deliverer.
func (l LocalDeliverer) Deliver(ctx context.Context, runID string, signal protocol.ApprovalSignal) (bool, error) {
	switch signal.Decision {
	case protocol.DecisionApprove:
		return l.Engine.ApproveWorkflow(ctx, runID, signal.ApproverID), nil
	case protocol.DecisionReject:
		return l.Engine.RejectWorkflow(ctx, runID, signal.ApproverID, signal.Reason), nil
	default:
		return false, fmt.Errorf("unknown decision %q", signal.Decision)
	}
}
