package executor

import (
	"context"
	"strings"

	"github.com/Kristopherlb/harmony-sub001/internal/executil"
)

// Shell runs a command for the execute phase.
type Shell struct {
	// Command is the executable, or a bash script when Args is empty.
	Command string
	// Args are command arguments.
	Args []string
	// Env adds environment variables.
	Env map[string]string
}

// Execute renders the command with the run params and runs it.
func (s Shell) Execute(ctx context.Context, req Request) (string, error) {
	output, _, err := executil.RunCommand(ctx, s.Command, s.Args, s.Env, executil.TemplateData{
		Params:   req.Params,
		ActionID: req.ActionID,
		RunID:    req.RunID,
		Phase:    req.Phase,
	})
	return strings.TrimSpace(output), err
}
