// Command jobboss2-relay is an MCP stdio server for JobBOSS2. It answers the
// hot read-only tools directly against the REST API and forwards every other
// tool to a delegate MCP server running as a child process.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/zcad-products/jobboss2-relay/cli"
	"github.com/zcad-products/jobboss2-relay/config"
	"github.com/zcad-products/jobboss2-relay/delegate"
	"github.com/zcad-products/jobboss2-relay/exec"
	"github.com/zcad-products/jobboss2-relay/gateway"
	"github.com/zcad-products/jobboss2-relay/logger"
	"github.com/zcad-products/jobboss2-relay/mcp"
	"github.com/zcad-products/jobboss2-relay/process"
)

type flags struct {
	configPath      string
	debug           bool
	logFile         string
	delegateCommand string
	delegateArgs    []string
	delegateDir     string
	check           bool
	version         bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jobboss2-relay: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (*flags, *pflag.FlagSet, error) {
	var f flags
	fs := pflag.NewFlagSet("jobboss2-relay", pflag.ContinueOnError)
	fs.StringVar(&f.configPath, "config", "", "config file (.yaml, .yml, .json or .jsonc); defaults to the relay config dir")
	fs.BoolVar(&f.debug, "debug", false, "enable debug logging")
	fs.StringVar(&f.logFile, "log-file", "", `log file path, or "-" for stderr`)
	fs.StringVar(&f.delegateCommand, "delegate-command", "", "executable of the delegate MCP server")
	fs.StringArrayVar(&f.delegateArgs, "delegate-arg", nil, "argument passed to the delegate (repeatable)")
	fs.StringVar(&f.delegateDir, "delegate-dir", "", "working directory of the delegate")
	fs.BoolVar(&f.check, "check", false, "check prerequisites and exit")
	fs.BoolVar(&f.version, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return &f, fs, nil
}

// apply overlays the flags that were explicitly set onto cfg.
func (f *flags) apply(fs *pflag.FlagSet, cfg *config.Config) {
	if fs.Changed("debug") {
		cfg.Debug = f.debug
	}
	if fs.Changed("log-file") {
		cfg.LogFile = f.logFile
	}
	if fs.Changed("delegate-command") {
		cfg.Delegate.Command = f.delegateCommand
		cfg.Delegate.Args = nil
	}
	if fs.Changed("delegate-arg") {
		cfg.Delegate.Args = f.delegateArgs
	}
	if fs.Changed("delegate-dir") {
		cfg.Delegate.Dir = f.delegateDir
	}
}

func run() error {
	f, fs, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if f.version {
		fmt.Printf("%s %s\n", mcp.ServerName, mcp.ServerVersion)
		return nil
	}

	cfg, err := config.Load(f.configPath, os.Getenv)
	if err != nil {
		return err
	}
	f.apply(fs, cfg)

	prereqs := cli.DelegatePrerequisites(cfg.Delegate.Command)
	if f.check {
		fmt.Fprint(os.Stderr, cli.FormatCheckResults(cli.CheckAll(prereqs)))
		if err := cfg.Validate(); err != nil {
			return err
		}
		return cli.ValidateRequired(prereqs)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cli.ValidateRequired(prereqs); err != nil {
		return err
	}

	logPath := cfg.LogFile
	if logPath == "" {
		if logPath, err = logger.DefaultLogPath(); err != nil {
			return err
		}
	}
	if err := logger.Init(logPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Close()
	logger.SetDebug(cfg.Debug)

	runID := uuid.New().String()
	log := logger.WithSession(runID)
	log.Info("relay starting", "version", mcp.ServerVersion, "config", cfg, "native_tools", gateway.NativeToolNames())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(gateway.Options{
		APIURL:        cfg.APIURL,
		APIKey:        cfg.APIKey,
		APISecret:     cfg.APISecret,
		OAuthTokenURL: cfg.OAuthTokenURL,
		Timeout:       cfg.Timeout(),
	})

	dp, err := delegate.Start(ctx, exec.NewRealSpawner(), delegate.Options{
		Command: cfg.Delegate.Command,
		Args:    cfg.Delegate.Args,
		Dir:     cfg.Delegate.Dir,
	})
	if err != nil {
		log.Error("delegate startup failed", "error", err)
		return err
	}
	defer func() {
		if err := dp.Close(process.DefaultStopGrace); err != nil {
			log.Debug("delegate exit", "error", err)
		}
	}()

	server := mcp.NewServer(os.Stdin, os.Stdout, gw, dp, mcp.WithLogger(log))

	done := make(chan error, 1)
	go func() {
		done <- server.Run(ctx)
	}()

	select {
	case err = <-done:
	case <-ctx.Done():
		log.Info("signal received, shutting down")
		err = nil
	}

	if err != nil {
		log.Error("relay stopped", "error", err)
		return err
	}
	log.Info("relay stopped")
	return nil
}
