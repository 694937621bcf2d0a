// Package executil renders and runs shell commands for action executors.
package executil

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"text/template"
)

// TemplateData is exposed to command, argument and env templates.
type TemplateData struct {
	// Params are the validated run parameters.
	Params map[string]any
	// ActionID is the catalog action id.
	ActionID string
	// RunID identifies the run.
	RunID string
	// Phase is the phase label being executed.
	Phase string
}

// RenderTemplate renders value with data; {{ param "name" }} reads a run parameter and
// {{ quote x }} single-quotes a value for bash.
func RenderTemplate(value string, data TemplateData) (string, error) {
	tmpl, err := template.New("value").Funcs(template.FuncMap{
		"param": func(name string) any {
			if data.Params == nil {
				return ""
			}
			v, ok := data.Params[name]
			if !ok {
				return ""
			}
			return v
		},
		"quote": func(v any) string {
			return "'" + strings.ReplaceAll(fmt.Sprint(v), "'", `'\''`) + "'"
		},
	}).Option("missingkey=zero").Parse(value)
	if err != nil {
		return "", fmt.Errorf("template parse: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template render: %w", err)
	}
	return buf.String(), nil
}

// BuildCommand renders command, args and env. Without args the command runs under bash -c.
func BuildCommand(ctx context.Context, command string, args []string, env map[string]string, data TemplateData) (*exec.Cmd, error) {
	renderedCommand, err := RenderTemplate(command, data)
	if err != nil {
		return nil, err
	}

	renderedArgs := make([]string, 0, len(args))
	for _, arg := range args {
		rendered, err := RenderTemplate(arg, data)
		if err != nil {
			return nil, err
		}
		renderedArgs = append(renderedArgs, rendered)
	}

	var cmd *exec.Cmd
	if len(renderedArgs) == 0 {
		cmd = exec.CommandContext(ctx, "bash", "-c", renderedCommand)
	} else {
		cmd = exec.CommandContext(ctx, renderedCommand, renderedArgs...)
	}

	cmd.Env = append(os.Environ(), "HARMONY_RUN_ID="+data.RunID, "HARMONY_ACTION_ID="+data.ActionID)
	for key, value := range env {
		rendered, err := RenderTemplate(value, data)
		if err != nil {
			return nil, err
		}
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, rendered))
	}
	return cmd, nil
}

// RunCommand executes the command and returns combined output and exit code.
func RunCommand(ctx context.Context, command string, args []string, env map[string]string, data TemplateData) (string, int, error) {
	cmd, err := BuildCommand(ctx, command, args, env, data)
	if err != nil {
		return "", -1, err
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	err = cmd.Run()
	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	return output.String(), exitCode, err
}
