// Package runtime exposes the console operations as MCP tools.
package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Kristopherlb/harmony-sub001/internal/console"
	"github.com/Kristopherlb/harmony-sub001/internal/security"
	"github.com/Kristopherlb/harmony-sub001/internal/sqlrunner"
	"github.com/Kristopherlb/harmony-sub001/internal/workflow"
)

// CatalogURI is the resource holding the full action catalog.
const CatalogURI = "harmony://catalog/actions"

// Builder constructs the console MCP server.
type Builder struct {
	// Logger is used for structured logging.
	Logger *slog.Logger
	// Service handles every tool call.
	Service *console.Service
	// Catalog backs the catalog resource.
	Catalog console.Catalog
	// Callers resolves the identity behind each call.
	Callers CallerResolver
}

// RunInput names a run.
type RunInput struct {
	RunID string `json:"runId" jsonschema:"run id returned by execute_action"`
}

// RejectInput names a run and the rejection reason.
type RejectInput struct {
	RunID  string `json:"runId" jsonschema:"run id returned by execute_action"`
	Reason string `json:"reason,omitempty" jsonschema:"why the run is rejected"`
}

// ListInput filters list_executions.
type ListInput struct {
	Status     string `json:"status,omitempty" jsonschema:"only runs in this status"`
	ActionID   string `json:"actionId,omitempty" jsonschema:"only runs of this action"`
	ExecutedBy string `json:"executedBy,omitempty" jsonschema:"only runs started by this user id"`
	Limit      int    `json:"limit,omitempty" jsonschema:"maximum number of runs"`
}

// Empty is the input of tools without arguments.
type Empty struct{}

// Build creates an MCP server with the console tools and the catalog resource.
func (b Builder) Build(name, version string) (*mcp.Server, error) {
	if b.Service == nil {
		return nil, fmt.Errorf("console service is required")
	}
	if b.Logger == nil {
		b.Logger = slog.New(slog.DiscardHandler)
	}
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: version}, nil)

	if b.Catalog != nil {
		server.AddResource(&mcp.Resource{
			Name:        "action-catalog",
			URI:         CatalogURI,
			Description: "Every action the console can run, with risk level and required parameters.",
			MIMEType:    "application/json",
		}, func(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			data, err := json.Marshal(b.Catalog.Actions())
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: CatalogURI, MIMEType: "application/json", Text: string(data)}},
			}, nil
		})
	}

	svc := b.Service
	addTool(b, server, &mcp.Tool{
		Name:        "list_actions",
		Description: "List catalog actions with whether the caller may run them and whether they need approval.",
		Annotations: readOnly(),
	}, func(_ context.Context, caller console.Caller, _ Empty) (any, error) {
		return map[string]any{"actions": svc.Actions(caller.Role)}, nil
	})

	addTool(b, server, &mcp.Tool{
		Name:        "execute_action",
		Description: "Start a run of a catalog action. High and critical risk runs wait for approval.",
		Annotations: &mcp.ToolAnnotations{DestructiveHint: ptr(true), OpenWorldHint: ptr(true)},
	}, func(ctx context.Context, caller console.Caller, in console.ExecuteRequest) (any, error) {
		return svc.Execute(ctx, in, caller)
	})

	addTool(b, server, &mcp.Tool{
		Name:        "get_execution_status",
		Description: "Return one run with its status and progress log.",
		Annotations: readOnly(),
	}, func(ctx context.Context, _ console.Caller, in RunInput) (any, error) {
		return svc.Status(ctx, in.RunID)
	})

	addTool(b, server, &mcp.Tool{
		Name:        "list_executions",
		Description: "List runs newest first.",
		Annotations: readOnly(),
	}, func(ctx context.Context, _ console.Caller, in ListInput) (any, error) {
		filter := workflow.Filter{
			Status:     workflow.Status(in.Status),
			ActionID:   in.ActionID,
			ExecutedBy: in.ExecutedBy,
			Limit:      in.Limit,
		}
		if filter.Status != "" && !filter.Status.Valid() {
			return nil, fmt.Errorf("unknown status %q", in.Status)
		}
		runs, err := svc.Executions(ctx, filter)
		if err != nil {
			return nil, err
		}
		return map[string]any{"executions": runs}, nil
	})

	addTool(b, server, &mcp.Tool{
		Name:        "approve_execution",
		Description: "Approve a run that is waiting for approval.",
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
	}, func(ctx context.Context, caller console.Caller, in RunInput) (any, error) {
		ok, err := svc.Approve(ctx, in.RunID, caller)
		if err != nil {
			return nil, err
		}
		return decisionResult(in.RunID, ok), nil
	})

	addTool(b, server, &mcp.Tool{
		Name:        "reject_execution",
		Description: "Reject a run that is waiting for approval.",
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true},
	}, func(ctx context.Context, caller console.Caller, in RejectInput) (any, error) {
		ok, err := svc.Reject(ctx, in.RunID, caller, in.Reason)
		if err != nil {
			return nil, err
		}
		return decisionResult(in.RunID, ok), nil
	})

	addTool(b, server, &mcp.Tool{
		Name:        "cancel_execution",
		Description: "Cancel a run that has not finished.",
		Annotations: &mcp.ToolAnnotations{IdempotentHint: true, DestructiveHint: ptr(true)},
	}, func(ctx context.Context, _ console.Caller, in RunInput) (any, error) {
		return map[string]any{"runId": in.RunID, "cancelled": svc.Cancel(ctx, in.RunID)}, nil
	})

	addTool(b, server, &mcp.Tool{
		Name:        "list_templates",
		Description: "List the SQL query templates the caller may run.",
		Annotations: readOnly(),
	}, func(_ context.Context, caller console.Caller, _ Empty) (any, error) {
		return map[string]any{"templates": svc.Templates(caller.Role)}, nil
	})

	addTool(b, server, &mcp.Tool{
		Name:        "run_query",
		Description: "Run an audited SQL query template with validated parameters.",
		Annotations: &mcp.ToolAnnotations{ReadOnlyHint: true, OpenWorldHint: ptr(true)},
	}, func(ctx context.Context, caller console.Caller, in sqlrunner.Request) (any, error) {
		return svc.Query(ctx, in, caller)
	})

	return server, nil
}

type handler[In any] func(ctx context.Context, caller console.Caller, in In) (any, error)

func addTool[In any](b Builder, server *mcp.Server, tool *mcp.Tool, fn handler[In]) {
	mcp.AddTool(server, tool, func(ctx context.Context, req *mcp.CallToolRequest, in In) (*mcp.CallToolResult, any, error) {
		var header http.Header
		if req != nil && req.Extra != nil {
			header = req.Extra.Header
		}
		caller, err := b.Callers.Resolve(header)
		if err != nil {
			b.Logger.Warn("tool call without identity", "tool", tool.Name, "error", err)
			return nil, nil, err
		}
		b.Logger.Info("tool call", "tool", tool.Name, "caller", caller.ID, "role", caller.Role.String(), "args", logArgs(in))

		out, err := fn(ctx, caller, in)
		if err != nil {
			b.Logger.Info("tool error", "tool", tool.Name, "caller", caller.ID, "error", err)
			return nil, nil, err
		}
		return nil, out, nil
	})
}

func decisionResult(runID string, delivered bool) map[string]any {
	return map[string]any{"runId": runID, "delivered": delivered}
}

// logArgs converts tool input to a redacted map for logging.
func logArgs(in any) map[string]any {
	data, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return security.RedactArguments(out)
}

func readOnly() *mcp.ToolAnnotations {
	return &mcp.ToolAnnotations{ReadOnlyHint: true, IdempotentHint: true}
}

func ptr[T any](v T) *T {
	return &v
}
