package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Kristopherlb/harmony-sub001/configs"
	"github.com/Kristopherlb/harmony-sub001/internal/app"
	"github.com/Kristopherlb/harmony-sub001/internal/config"
	"github.com/Kristopherlb/harmony-sub001/internal/dsl"
	"github.com/Kristopherlb/harmony-sub001/internal/log"
	"github.com/Kristopherlb/harmony-sub001/internal/startup"
)

func main() {
	embeddedConfig := flag.String("embedded-config", "", "Use embedded config from configs/ (filename)")
	dotenv := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flag.Parse()

	cfg, err := config.Load(*dotenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	rendered, err := renderConfig(*embeddedConfig, cfg.ConfigPath)
	if err != nil {
		logger.Error("render config failed", "error", err)
		os.Exit(1)
	}
	dslCfg, err := dsl.Load(rendered)
	if err != nil {
		logger.Error("parse config failed", "error", err)
		os.Exit(1)
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		logger.Warn("shutdown requested", "signal", sig.String())
		cancel()
	}()

	if err := startup.Run(baseCtx, dslCfg.Server.StartupHooks, logger); err != nil {
		logger.Error("startup hooks failed", "error", err)
		os.Exit(1)
	}

	c, err := wire(baseCtx, cfg, dslCfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer c.close()

	switch dslCfg.Server.Transport {
	case "stdio":
		err = c.server.Run(baseCtx, &mcp.StdioTransport{})
	default:
		err = runHTTP(baseCtx, cfg, dslCfg, c, logger)
	}
	if err != nil {
		logger.Error("runtime error", "error", err)
		os.Exit(1)
	}
}

// renderConfig picks the embedded file, the configured path or the embedded default, in that order.
func renderConfig(embedded, path string) ([]byte, error) {
	if embedded == "" && path != "" {
		return dsl.RenderFile(path)
	}
	if embedded == "" {
		embedded = configs.ConsoleFile
	}
	raw, err := configs.Load(embedded)
	if err != nil {
		return nil, err
	}
	return dsl.Render(embedded, raw)
}

func runHTTP(ctx context.Context, envCfg config.Config, dslCfg *dsl.Config, c *components, logger *slog.Logger) error {
	handler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return c.server
	}, &mcp.StreamableHTTPOptions{
		Stateless: dslCfg.Server.HTTP.Stateless,
	})

	routes := map[string]http.Handler{dslCfg.Server.HTTP.Path: handler}
	for path, route := range c.routes {
		routes[path] = route
	}
	application, err := app.New(ctx, dslCfg.Server, routes, c.health, logger, envCfg.ShutdownTimeout)
	if err != nil {
		return err
	}
	return application.Run(ctx)
}
