package workflow

import (
	"fmt"
	"slices"
	"time"

	"github.com/Kristopherlb/harmony-sub001/internal/rbac"
)

// Context scopes a run to the event or incident it was started from.
type Context struct {
	EventID     string   `json:"eventId,omitempty"`
	IncidentID  string   `json:"incidentId,omitempty"`
	ContextType string   `json:"contextType,omitempty"`
	ServiceTags []string `json:"serviceTags,omitempty"`
}

// Execution is one ledger entry.
type Execution struct {
	ID                 string         `json:"id"`
	RunID              string         `json:"runId"`
	ActionID           string         `json:"actionId"`
	ActionName         string         `json:"actionName"`
	RiskLevel          rbac.RiskLevel `json:"riskLevel"`
	Status             Status         `json:"status"`
	RequiresApproval   bool           `json:"requiresApproval"`
	Params             map[string]any `json:"params"`
	Reasoning          string         `json:"reasoning,omitempty"`
	ExecutedBy         string         `json:"executedBy"`
	ExecutedByUsername string         `json:"executedByUsername"`
	StartedAt          time.Time      `json:"startedAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
	ApprovedBy         string         `json:"approvedBy,omitempty"`
	ApprovedAt         *time.Time     `json:"approvedAt,omitempty"`
	RejectedBy         string         `json:"rejectedBy,omitempty"`
	RejectionReason    string         `json:"rejectionReason,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	Output             []string       `json:"output"`
	Context            *Context       `json:"context,omitempty"`
}

// Clone returns a deep enough copy for callers to mutate freely.
func (e Execution) Clone() Execution {
	out := e
	out.Output = slices.Clone(e.Output)
	if e.Params != nil {
		out.Params = make(map[string]any, len(e.Params))
		for k, v := range e.Params {
			out.Params[k] = v
		}
	}
	if e.Context != nil {
		c := *e.Context
		c.ServiceTags = slices.Clone(e.Context.ServiceTags)
		out.Context = &c
	}
	if e.ApprovedAt != nil {
		t := *e.ApprovedAt
		out.ApprovedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	return out
}

// moveTo applies a legal transition and stamps the update time.
func (e *Execution) moveTo(to Status, now time.Time) error {
	if !CanTransition(e.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransition, e.Status, to)
	}
	e.Status = to
	e.UpdatedAt = now
	if to.Terminal() {
		e.CompletedAt = &now
	}
	return nil
}

func (e *Execution) logf(now time.Time, format string, args ...any) {
	e.Output = append(e.Output, fmt.Sprintf("[%s] ", now.UTC().Format(time.RFC3339))+fmt.Sprintf(format, args...))
	e.UpdatedAt = now
}
