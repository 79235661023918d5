// This program runs one proof of work computation unit. It reads protocol
// messages from stdin and writes answers to stdout, so it is meant to be
// started by the node with the exec pow mode. Logs go to stderr.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/prover"
	"github.com/ardanlabs/blockforge/foundation/logger"
	"github.com/jessevdk/go-flags"
	"go.uber.org/zap"
)

var config struct {
	CPU         float64       `long:"cpu" env:"POWWORKER_CPU" description:"share of one core to use, between 0 and 1" default:"1"`
	Prefix      uint64        `long:"prefix" env:"POWWORKER_PREFIX" description:"nonce partition owned by this unit" default:"0"`
	IdleTimeout time.Duration `long:"idle-timeout" env:"POWWORKER_IDLE_TIMEOUT" description:"exit after sitting idle this long, 0 disables" default:"5m"`
	Pubkey      string        `long:"pubkey" env:"POWWORKER_PUBKEY" description:"public key of the issuer"`
	ID          string        `long:"id" env:"POWWORKER_ID" description:"identifier of the unit"`
}

func main() {
	if _, err := flags.Parse(&config); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	log := logger.NewWriter("POWWORKER", os.Stderr)
	defer log.Sync()

	if err := run(log); err != nil {
		log.Errorw("powworker", "ERROR", err)
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.SugaredLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if config.CPU < 0 || config.CPU > 1 {
		return fmt.Errorf("cpu %v must be between 0 and 1", config.CPU)
	}

	if config.Prefix > pow.MaxPrefix {
		return fmt.Errorf("prefix %d must not exceed %d", config.Prefix, pow.MaxPrefix)
	}

	log.Infow("powworker", "status", "started", "cpu", config.CPU, "prefix", config.Prefix, "idleTimeout", config.IdleTimeout)
	defer log.Infow("powworker", "status", "stopped")

	p := prover.New(prover.Config{
		IdleTimeout: config.IdleTimeout,
		CPU:         config.CPU,
		Prefix:      config.Prefix,
		Pubkey:      config.Pubkey,
		ID:          config.ID,
	}, log)

	conn := pow.NewStreamConn(os.Stdin, os.Stdout, os.Stdout)

	if err := p.Serve(ctx, conn); err != nil {
		return fmt.Errorf("serving: %w", err)
	}

	return nil
}
