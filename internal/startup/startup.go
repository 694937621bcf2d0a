// Package startup runs the pre-flight commands configured for the console.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Kristopherlb/harmony-sub001/internal/dsl"
	"github.com/Kristopherlb/harmony-sub001/internal/executil"
)

// Run executes hooks in order and stops at the first failure unless the hook is optional.
func Run(ctx context.Context, hooks []dsl.HookConfig, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	for idx, hook := range hooks {
		name := hook.Name
		if name == "" {
			name = fmt.Sprintf("hook-%d", idx)
		}
		if err := runHook(ctx, name, hook, logger); err != nil {
			if hook.Optional {
				logger.Warn("optional startup hook failed", "hook", name, "error", err)
				continue
			}
			return err
		}
	}
	return nil
}

func runHook(ctx context.Context, name string, hook dsl.HookConfig, logger *slog.Logger) error {
	if timeout := dsl.ParseDuration(hook.Timeout, 0); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	logger.Info("running startup hook", "hook", name)
	output, code, err := executil.RunCommand(ctx, hook.Command, hook.Args, hook.Env, executil.TemplateData{})
	output = strings.TrimSpace(output)
	if err != nil {
		if output != "" {
			logger.Error("startup hook output", "hook", name, "exit_code", code, "output", output)
		}
		return fmt.Errorf("startup hook %s failed: %w", name, err)
	}
	if output != "" {
		logger.Info("startup hook output", "hook", name, "output", output)
	}
	return nil
}
