// Package cli parses the sosmill command line.
package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Subcommand names.
const (
	CommandRun     = "run"
	CommandServe   = "serve"
	CommandEngines = "engines"
)

// ExitError is a custom error type that includes a specific exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

func usageError(format string, args ...any) *ExitError {
	return &ExitError{Code: 2, Message: fmt.Sprintf(format, args...)}
}

// Command is a parsed invocation.
type Command struct {
	Name      string
	LogFormat string
	LogLevel  string

	// Run is set for the run subcommand.
	Run *RunConfig
}

// RunConfig holds the arguments of "sosmill run".
type RunConfig struct {
	InputPath  string
	OutputPath string

	Engine       string
	Profile      string
	ProfilesPath string

	KernelName       string
	Endpoint         string
	ConnectionFile   string
	StartTimeout     time.Duration
	ExecutionTimeout time.Duration
	IOPubTimeout     time.Duration
	Tee              bool

	// Switches are nil unless given, so an explicit false can turn off a
	// profile setting.
	RaiseOnIOPubTimeout *bool
	StopOnError         *bool
	LogOutput           *bool

	// Extra holds repeated -k key=value engine options.
	Extra map[string]any
}

const mainUsage = `
sosmill - batch executor for SoS notebooks.

Usage:
  sosmill run [options] INPUT.ipynb OUTPUT.ipynb
  sosmill serve [options]
  sosmill engines

Run "sosmill <command> -h" for the options of a command.
`

// Parse processes command-line arguments. It returns the parsed command, a
// boolean indicating if the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*Command, bool, error) {
	if len(args) == 0 {
		fmt.Fprint(output, mainUsage)
		return nil, true, nil
	}

	name, rest := args[0], args[1:]
	switch name {
	case "-h", "-help", "--help", "help":
		fmt.Fprint(output, mainUsage)
		return nil, true, nil
	case CommandRun:
		return parseRun(rest, output)
	case CommandServe, CommandEngines:
		return parseSimple(name, rest, output)
	default:
		return nil, false, usageError("unknown command %q", name)
	}
}

// commonFlags registers the logging flags every subcommand accepts.
func commonFlags(fs *flag.FlagSet) (format, level *string) {
	format = fs.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	level = fs.String("log-level", "", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'. Defaults to SOSMILL_LOG_LEVEL.")
	return format, level
}

func validateLogging(cmd *Command, format, level string) error {
	cmd.LogFormat = strings.ToLower(format)
	if cmd.LogFormat != "text" && cmd.LogFormat != "json" {
		return usageError("invalid log-format: must be 'text' or 'json'")
	}
	cmd.LogLevel = strings.ToLower(level)
	switch cmd.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return usageError("invalid log-level: must be 'debug', 'info', 'warn', or 'error'")
	}
	return nil
}

func parseSimple(name string, args []string, output io.Writer) (*Command, bool, error) {
	fs := flag.NewFlagSet("sosmill "+name, flag.ContinueOnError)
	fs.SetOutput(output)
	format, level := commonFlags(fs)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, usageError("%s", err.Error())
	}
	if fs.NArg() > 0 {
		return nil, false, usageError("%s takes no arguments", name)
	}

	cmd := &Command{Name: name}
	if err := validateLogging(cmd, *format, *level); err != nil {
		return nil, false, err
	}
	return cmd, false, nil
}

// extraFlag collects repeated key=value options.
type extraFlag map[string]any

func (e extraFlag) String() string {
	pairs := make([]string, 0, len(e))
	for k, v := range e {
		pairs = append(pairs, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(pairs, ",")
}

func (e extraFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	e[k] = v
	return nil
}

// switchFlag is a boolean flag that records whether it was given.
type switchFlag struct{ p **bool }

func (s switchFlag) String() string {
	if s.p == nil || *s.p == nil {
		return ""
	}
	return strconv.FormatBool(**s.p)
}

func (s switchFlag) Set(v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*s.p = &b
	return nil
}

func (s switchFlag) IsBoolFlag() bool { return true }

func parseRun(args []string, output io.Writer) (*Command, bool, error) {
	fs := flag.NewFlagSet("sosmill run", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.Usage = func() {
		fmt.Fprint(output, `
Usage:
  sosmill run [options] INPUT.ipynb OUTPUT.ipynb

Executes INPUT against a running SoS kernel and writes the executed notebook
to OUTPUT. OUTPUT is written even when execution fails.

Options:
`)
		fs.PrintDefaults()
	}

	format, level := commonFlags(fs)
	rc := &RunConfig{Extra: map[string]any{}}
	fs.StringVar(&rc.Engine, "engine", "", "Engine name. Defaults to the profile's engine, then 'sos'.")
	fs.StringVar(&rc.Profile, "profile", "", "Profile to apply from the profiles file.")
	fs.StringVar(&rc.ProfilesPath, "profiles", "", "Path to an HCL profiles file. Defaults to SOSMILL_PROFILES.")
	fs.StringVar(&rc.KernelName, "kernel", "", "Kernel name. Defaults to the notebook's kernelspec.")
	fs.StringVar(&rc.Endpoint, "endpoint", "", "Framed kernel endpoint (unix://, tcp://, vsock://, fcvsock://).")
	fs.StringVar(&rc.ConnectionFile, "connection-file", "", "Jupyter connection file of a running kernel.")
	fs.DurationVar(&rc.StartTimeout, "start-timeout", 0, "Time to wait for the kernel to answer kernel_info.")
	fs.DurationVar(&rc.ExecutionTimeout, "execution-timeout", 0, "Time limit per cell. 0 waits forever.")
	fs.DurationVar(&rc.IOPubTimeout, "iopub-timeout", 0, "Time to wait for each output message after a cell replies.")
	fs.Var(switchFlag{&rc.RaiseOnIOPubTimeout}, "raise-on-iopub-timeout", "Fail the run when iopub-timeout expires.")
	fs.Var(switchFlag{&rc.StopOnError}, "stop-on-error", "Stop at the first cell that raises an error. Use =false to override a profile.")
	fs.Var(switchFlag{&rc.LogOutput}, "log-output", "Log cell stream output.")
	fs.BoolVar(&rc.Tee, "tee", false, "Copy cell stream output to stdout and stderr.")
	fs.Var(extraFlag(rc.Extra), "k", "Extra engine option as key=value. Repeatable.")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, usageError("%s", err.Error())
	}

	if fs.NArg() != 2 {
		fs.Usage()
		return nil, false, usageError("run needs INPUT and OUTPUT paths, got %d arguments", fs.NArg())
	}
	rc.InputPath, rc.OutputPath = fs.Arg(0), fs.Arg(1)

	if rc.Endpoint != "" && rc.ConnectionFile != "" {
		return nil, false, usageError("--endpoint and --connection-file are mutually exclusive")
	}
	for name, d := range map[string]time.Duration{
		"start-timeout":     rc.StartTimeout,
		"execution-timeout": rc.ExecutionTimeout,
		"iopub-timeout":     rc.IOPubTimeout,
	} {
		if d < 0 {
			return nil, false, usageError("--%s must not be negative", name)
		}
	}

	cmd := &Command{Name: CommandRun, Run: rc}
	if err := validateLogging(cmd, *format, *level); err != nil {
		return nil, false, err
	}
	return cmd, false, nil
}
