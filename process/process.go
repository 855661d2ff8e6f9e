// Package process manages the lifetime of the relay's child processes.
package process

import (
	"errors"
	"io"
	"time"

	"github.com/zcad-products/jobboss2-relay/exec"
	"github.com/zcad-products/jobboss2-relay/logger"
)

// DefaultStopGrace is how long Stop waits for a child to exit on its own
// after its stdin is closed.
const DefaultStopGrace = 2 * time.Second

// Stop shuts a child down: it closes the child's stdin, which a stdio server
// treats as end of session, waits up to grace for it to exit, then kills it.
// Children are not reaped automatically when the relay exits, so every
// spawned process must pass through Stop.
func Stop(proc exec.Process, grace time.Duration) error {
	log := logger.WithComponent("process").With("pid", proc.Pid())

	if err := proc.Stdin().Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		log.Debug("closing child stdin failed", "error", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- proc.Wait()
	}()

	select {
	case err := <-done:
		log.Debug("child exited", "error", err)
		return err
	case <-time.After(grace):
	}

	log.Warn("child did not exit in time, killing", "grace", grace)
	if err := proc.Kill(); err != nil {
		log.Error("failed to kill child", "error", err)
		return err
	}
	return <-done
}
