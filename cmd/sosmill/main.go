package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/backend/sos"
	"github.com/seantiz/sosmill/internal/cli"
	"github.com/seantiz/sosmill/internal/config"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Stdout, os.Stderr, os.Args[1:])
	stop()
	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run dispatches a parsed command. Logs go to errW so that outW stays clean
// for command output.
func run(ctx context.Context, outW, errW io.Writer, args []string) error {
	cmd, shouldExit, err := cli.Parse(args, outW)
	if err != nil {
		return err
	}
	if shouldExit {
		return nil
	}

	cfg := config.Load()
	level := cfg.LogLevel
	if cmd.LogLevel != "" {
		level = config.ParseLogLevel(cmd.LogLevel)
	}
	logger := config.NewLoggerFormat(errW, level, cmd.LogFormat)

	reg := backend.NewRegistry()
	sos.Register(reg, logger)

	switch cmd.Name {
	case cli.CommandRun:
		return runNotebook(ctx, cmd.Run, cfg, reg, logger, outW, errW)
	case cli.CommandServe:
		return serve(ctx, cfg, reg, logger)
	case cli.CommandEngines:
		return listEngines(outW, reg)
	}
	return &cli.ExitError{Code: 2, Message: fmt.Sprintf("unknown command %q", cmd.Name)}
}

// loadProfile returns the named profile from path. With no path, or with no
// name and no default profile in the file, it returns an empty profile.
func loadProfile(path, name string) (*config.Profile, error) {
	if path == "" {
		if name != "" {
			return nil, fmt.Errorf("profile %q requested but no profiles file configured", name)
		}
		return &config.Profile{}, nil
	}
	profiles, err := config.LoadProfiles(path)
	if err != nil {
		return nil, err
	}
	p, err := profiles.Get(name)
	if errors.Is(err, config.ErrProfileNotFound) && name == "" {
		return &config.Profile{}, nil
	}
	return p, err
}
