package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/cli"
	"github.com/seantiz/sosmill/internal/config"
	"github.com/seantiz/sosmill/internal/executor"
	"github.com/seantiz/sosmill/internal/notebook"
)

// runNotebook executes one notebook file and writes the result. The output
// notebook is saved even when execution fails so the failing cell can be
// inspected.
func runNotebook(ctx context.Context, rc *cli.RunConfig, cfg config.Config, reg *backend.Registry, logger *slog.Logger, outW, errW io.Writer) error {
	profilesPath := rc.ProfilesPath
	if profilesPath == "" {
		profilesPath = cfg.ProfilesPath
	}
	profile, err := loadProfile(profilesPath, rc.Profile)
	if err != nil {
		return &cli.ExitError{Code: 2, Message: err.Error()}
	}

	engineName := rc.Engine
	if engineName == "" {
		engineName = profile.Engine
	}
	eng, err := reg.Resolve(engineName)
	if err != nil {
		return &cli.ExitError{Code: 2, Message: err.Error()}
	}

	nb, err := notebook.Load(rc.InputPath)
	if err != nil {
		return err
	}

	opts := runOptions(rc, profile, cfg)
	opts.InputPath = rc.InputPath
	opts.Logger = logger
	if rc.Tee {
		opts.Stdout, opts.Stderr = outW, errW
	}

	logger.Info("executing notebook",
		"input", rc.InputPath,
		"output", rc.OutputPath,
		"engine", engineName,
		"cells", len(nb.Cells),
	)

	runErr := eng.ExecuteNotebook(ctx, nb, opts)

	if err := notebook.Save(rc.OutputPath, nb); err != nil {
		if runErr != nil {
			return errors.Join(runErr, err)
		}
		return err
	}

	if runErr != nil {
		logger.Error("notebook execution failed",
			"output", rc.OutputPath,
			"failed_cell", executor.FailedCell(runErr),
			"error", runErr,
		)
		return &cli.ExitError{Code: 1, Message: fmt.Sprintf("execution failed: %v", runErr)}
	}

	logger.Info("notebook executed", "output", rc.OutputPath)
	return nil
}

// runOptions layers command-line flags over the profile. Switches given on
// the command line win in both directions. The environment
// supplies the kernel location when neither names one.
func runOptions(rc *cli.RunConfig, profile *config.Profile, cfg config.Config) backend.Options {
	opts := profile.Options()
	if rc.KernelName != "" {
		opts.KernelName = rc.KernelName
	}
	if rc.Endpoint != "" || rc.ConnectionFile != "" {
		opts.Endpoint, opts.ConnectionFile = rc.Endpoint, rc.ConnectionFile
	}
	if opts.Endpoint == "" && opts.ConnectionFile == "" {
		opts.Endpoint, opts.ConnectionFile = cfg.KernelEndpoint, cfg.ConnectionFile
	}
	if rc.StartTimeout > 0 {
		opts.StartTimeout = rc.StartTimeout
	}
	if rc.ExecutionTimeout > 0 {
		opts.ExecutionTimeout = rc.ExecutionTimeout
	}
	if rc.IOPubTimeout > 0 {
		opts.IOPubTimeout = rc.IOPubTimeout
	}
	if rc.RaiseOnIOPubTimeout != nil {
		opts.RaiseOnIOPubTimeout = *rc.RaiseOnIOPubTimeout
	}
	if rc.StopOnError != nil {
		opts.StopOnError = *rc.StopOnError
	}
	if rc.LogOutput != nil {
		opts.LogOutput = *rc.LogOutput
	}

	if len(rc.Extra) > 0 {
		extra := maps.Clone(opts.Extra)
		if extra == nil {
			extra = make(map[string]any, len(rc.Extra))
		}
		maps.Copy(extra, rc.Extra)
		opts.Extra = extra
	}
	return opts
}
