package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/prover"
	"go.uber.org/zap"
)

// Launcher starts a computation unit and returns the supervisor end of its
// connection. The unit is considered gone once the connection reports EOF.
type Launcher interface {
	Launch() (pow.Conn, error)
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func() (pow.Conn, error)

// Launch calls f.
func (f LauncherFunc) Launch() (pow.Conn, error) {
	return f()
}

// =============================================================================

// InProcess runs each computation unit on its own goroutine. The unit shares
// nothing with the engine but the message pipe.
func InProcess(cfg prover.Config, log *zap.SugaredLogger) Launcher {
	return LauncherFunc(func() (pow.Conn, error) {
		supervisor, unit := pow.Pipe()

		p := prover.New(cfg, log)
		go func() {
			if err := p.Serve(context.Background(), unit); err != nil {
				log.Errorw("prover", "status", "unit stopped", "ERROR", err)
			}
		}()

		return supervisor, nil
	})
}

// Exec runs each computation unit as a child process speaking newline
// delimited JSON messages on its stdin and stdout.
func Exec(path string, args ...string) Launcher {
	return LauncherFunc(func() (pow.Conn, error) {
		cmd := exec.Command(path, args...)
		cmd.Stderr = os.Stderr

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("unit stdin: %w", err)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("unit stdout: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting unit %s: %w", path, err)
		}

		pc := processCloser{cmd: cmd, stdin: stdin}
		return pow.NewStreamConn(stdout, stdin, &pc), nil
	})
}

// processCloser stops and reaps a child process.
type processCloser struct {
	cmd   *exec.Cmd
	stdin io.Closer
	once  sync.Once
}

// Close closes the child's stdin so it exits on its own, kills it if it
// doesn't within a grace period, and waits for it.
func (pc *processCloser) Close() error {
	const grace = 2 * time.Second

	var err error
	pc.once.Do(func() {
		pc.stdin.Close()

		done := make(chan error, 1)
		go func() {
			done <- pc.cmd.Wait()
		}()

		select {
		case err = <-done:
		case <-time.After(grace):
			pc.cmd.Process.Kill()
			err = <-done
		}
	})

	return err
}
