package delegate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zcad-products/jobboss2-relay/exec"
	"github.com/zcad-products/jobboss2-relay/logger"
	"github.com/zcad-products/jobboss2-relay/process"
)

// Options describes how to launch the delegate.
type Options struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Process is a running delegate with its handshaken Channel.
type Process struct {
	*Channel
	proc exec.Process
}

// Start spawns the delegate and performs the initialize handshake. The
// delegate is mandatory: any failure stops the child and returns an error.
func Start(ctx context.Context, spawner exec.Spawner, opts Options) (*Process, error) {
	log := logger.WithComponent("delegate")

	spec := exec.Spec{Name: opts.Command, Args: opts.Args, Dir: opts.Dir, Env: opts.Env}
	log.Info("starting delegate", "command", strings.TrimSpace(opts.Command+" "+strings.Join(opts.Args, " ")))

	proc, err := spawner.Spawn(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("failed to spawn delegate: %w", err)
	}

	ch := NewChannel(proc.Stdout(), proc.Stdin())
	if err := ch.Initialize(); err != nil {
		if stopErr := process.Stop(proc, process.DefaultStopGrace); stopErr != nil {
			log.Debug("stopping failed delegate", "error", stopErr)
		}
		return nil, err
	}

	log.Info("delegate ready", "pid", proc.Pid())
	return &Process{Channel: ch, proc: proc}, nil
}

// Close ends the delegate session, killing the child if it does not exit
// within grace.
func (p *Process) Close(grace time.Duration) error {
	return process.Stop(p.proc, grace)
}
