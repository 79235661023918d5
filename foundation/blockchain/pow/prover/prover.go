// Package prover implements the computation unit of the proof of work
// engine. A Prover owns at most one nonce search at a time and talks to its
// supervisor only through messages on a pow.Conn.
package prover

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"runtime"
	"sync"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// Config represents the startup parameters of a computation unit.
type Config struct {
	IdleTimeout time.Duration
	CPU         float64
	Prefix      uint64
	Pubkey      string
	ID          string
}

// search identifies the nonce search currently owned by the unit.
type search struct {
	uuid   string
	cancel context.CancelFunc
}

// Prover is the computation unit.
type Prover struct {
	log      *zap.SugaredLogger
	validate *validator.Validate
	now      func() time.Time

	mu          sync.Mutex
	conn        pow.Conn
	state       pow.State
	cpu         float64
	prefix      uint64
	pubkey      string
	id          string
	idleTimeout time.Duration
	conf        map[string]json.RawMessage
	current     *search
}

// New constructs a computation unit. A zero CPU means full speed.
func New(cfg Config, log *zap.SugaredLogger) *Prover {
	cpu := cfg.CPU
	if cpu == 0 {
		cpu = 1
	}

	return &Prover{
		log:         log,
		validate:    validator.New(),
		now:         time.Now,
		state:       pow.StateReady,
		cpu:         cpu,
		prefix:      cfg.Prefix,
		pubkey:      cfg.Pubkey,
		id:          cfg.ID,
		idleTimeout: cfg.IdleTimeout,
		conf:        make(map[string]json.RawMessage),
	}
}

// Serve processes messages from the connection until the connection is
// closed, ctx is cancelled or the unit sat idle for longer than its idle
// timeout. The connection is closed when Serve returns, which is how the
// supervisor learns the unit is gone.
func (p *Prover) Serve(ctx context.Context, conn pow.Conn) error {
	p.mu.Lock()
	p.conn = conn
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		conn.Close()
	}()

	msgs := make(chan pow.Message)
	errs := make(chan error, 1)

	go func() {
		for {
			msg, err := conn.Receive()
			if err != nil {
				if errors.Is(err, pow.ErrMalformed) {
					p.log.Warnw("prover", "status", "dropping malformed message", "ERROR", err)
					continue
				}
				errs <- err
				return
			}

			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	idle := time.NewTimer(time.Hour)
	defer idle.Stop()
	p.armIdle(idle)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-errs:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err

		case msg := <-msgs:
			p.handle(ctx, msg)
			p.armIdle(idle)

		case <-idle.C:
			if p.State() != pow.StateReady {
				p.armIdle(idle)
				continue
			}
			p.log.Infow("prover", "status", "idle timeout reached, shutting down", "timeout", p.timeout())
			return nil
		}
	}
}

// State returns the current phase of the unit.
func (p *Prover) State() pow.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// =============================================================================

// handle dispatches one inbound message.
func (p *Prover) handle(ctx context.Context, msg pow.Message) {
	switch msg.Command {
	case pow.CmdNewPoW:
		var req pow.ProofRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil {
			p.log.Warnw("prover", "status", "invalid proof request", "uuid", msg.UUID, "ERROR", err)
			p.answer(msg.UUID, nil)
			return
		}
		if err := p.validate.Struct(req); err != nil {
			p.log.Warnw("prover", "status", "invalid proof request", "uuid", msg.UUID, "ERROR", err)
			p.answer(msg.UUID, nil)
			return
		}
		p.startSearch(ctx, msg.UUID, req)

	case pow.CmdCancel:
		p.answer(msg.UUID, p.cancelSearch())

	case pow.CmdState:
		p.answer(msg.UUID, p.State())

	default:
		p.parameter(msg)
	}
}

// startSearch supersedes any running search with a new one.
func (p *Prover) startSearch(ctx context.Context, uuid string, req pow.ProofRequest) {
	p.mu.Lock()
	if p.current != nil {
		p.log.Infow("prover", "status", "superseding search", "previous", p.current.uuid, "uuid", uuid)
		p.current.cancel()
	}

	if req.Conf.CPU != nil {
		p.cpu = *req.Conf.CPU
	}
	if req.Conf.Prefix != nil {
		p.prefix = *req.Conf.Prefix
	}

	sctx, cancel := context.WithCancel(ctx)
	s := search{uuid: uuid, cancel: cancel}

	p.current = &s
	p.state = pow.StateComputing
	prefix := p.prefix
	p.mu.Unlock()

	p.info(pow.Info{State: pow.StateComputing})

	go p.run(sctx, &s, req, prefix)
}

// run performs the search and answers its request. A search that was
// cancelled or superseded answers with null.
func (p *Prover) run(ctx context.Context, s *search, req pow.ProofRequest, prefix uint64) {
	started := time.Now()

	result, err := Search(ctx, req, prefix, p.effectiveCPU, p.now)
	if err != nil {
		p.log.Errorw("prover", "status", "search failed", "uuid", s.uuid, "ERROR", err)
	}

	p.mu.Lock()
	isCurrent := p.current == s
	if isCurrent {
		p.current = nil
		p.state = pow.StateReady
	}
	p.mu.Unlock()

	s.cancel()

	switch result {
	case nil:
		p.log.Infow("prover", "status", "search stopped without proof", "uuid", s.uuid, "duration", time.Since(started))
		p.answer(s.uuid, nil)

	default:
		p.log.Infow("prover", "status", "proof found", "uuid", s.uuid, "pow", result.PoW, "tests", result.TestsCount, "duration", time.Since(started))
		p.answer(s.uuid, result)
		p.info(pow.Info{Found: true, PoW: result.PoW, TestsCount: result.TestsCount})
	}

	if isCurrent {
		p.info(pow.Info{State: pow.StateReady})
	}
}

// cancelSearch requests the running search to stop and returns the phase
// the unit is in afterwards.
func (p *Prover) cancelSearch() pow.State {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch p.state {
	case pow.StateComputing:
		p.state = pow.StateCancelling
		p.current.cancel()
		return pow.StateCancelling

	case pow.StateCancelling:
		return pow.StateCancelling
	}

	return pow.StateReady
}

// parameter handles getter and setter commands. A message with a value is a
// setter, and both kinds answer with the value now in effect.
func (p *Prover) parameter(msg pow.Message) {
	key := msg.Command

	if len(msg.Value) > 0 {
		if err := p.set(key, msg.Value); err != nil {
			p.log.Warnw("prover", "status", "rejecting parameter", "key", key, "ERROR", err)
			p.answer(msg.UUID, nil)
			return
		}
	}

	value, exists := p.get(key)
	if !exists {
		p.log.Warnw("prover", "status", "unknown parameter", "key", key)
	}
	p.answer(msg.UUID, value)
}

// get returns the current value of a runtime parameter.
func (p *Prover) get(key string) (any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch key {
	case pow.KeyCPU:
		return p.cpu, true
	case pow.KeyPrefix:
		return p.prefix, true
	case pow.KeyPubkey:
		return p.pubkey, true
	case pow.KeyID:
		return p.id, true
	case pow.KeyAutokillTimeout:
		return p.idleTimeout.Milliseconds(), true
	case pow.KeyConf:
		return maps.Clone(p.conf), true
	}

	return nil, false
}

// set changes a runtime parameter.
func (p *Prover) set(key string, raw json.RawMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch key {
	case pow.KeyCPU:
		var cpu float64
		if err := json.Unmarshal(raw, &cpu); err != nil {
			return err
		}
		if err := p.validate.Var(cpu, "gte=0,lte=1"); err != nil {
			return err
		}
		p.cpu = cpu

	case pow.KeyPrefix:
		var prefix uint64
		if err := json.Unmarshal(raw, &prefix); err != nil {
			return err
		}
		if err := p.validate.Var(prefix, "lte=184467439"); err != nil {
			return err
		}
		p.prefix = prefix

	case pow.KeyPubkey:
		return json.Unmarshal(raw, &p.pubkey)

	case pow.KeyID:
		return json.Unmarshal(raw, &p.id)

	case pow.KeyAutokillTimeout:
		var ms int64
		if err := json.Unmarshal(raw, &ms); err != nil {
			return err
		}
		if err := p.validate.Var(ms, "gte=0"); err != nil {
			return err
		}
		p.idleTimeout = time.Duration(ms) * time.Millisecond

	case pow.KeyConf:
		var conf map[string]json.RawMessage
		if err := json.Unmarshal(raw, &conf); err != nil {
			return err
		}
		maps.Copy(p.conf, conf)

	default:
		return errors.New("unknown parameter")
	}

	return nil
}

// =============================================================================

// effectiveCPU returns the throttle the search applies on this machine.
func (p *Prover) effectiveCPU() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return armPolicy(runtime.GOARCH, p.cpu)
}

// timeout returns the idle timeout, zero meaning never.
func (p *Prover) timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.idleTimeout
}

// armIdle restarts the idle timer with the current timeout.
func (p *Prover) armIdle(idle *time.Timer) {
	timeout := p.timeout()
	if timeout <= 0 {
		idle.Stop()
		return
	}
	idle.Reset(timeout)
}

// answer sends a correlated answer to the supervisor.
func (p *Prover) answer(uuid string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		p.log.Errorw("prover", "status", "encoding answer", "uuid", uuid, "ERROR", err)
		data = json.RawMessage("null")
	}

	p.send(pow.Message{UUID: uuid, Answer: data})
}

// info broadcasts an uncorrelated message to the supervisor.
func (p *Prover) info(info pow.Info) {
	data, err := json.Marshal(info)
	if err != nil {
		p.log.Errorw("prover", "status", "encoding info", "ERROR", err)
		return
	}

	p.send(pow.Message{Command: pow.CmdInfo, Value: data})
}

// send delivers a message if the connection is still open.
func (p *Prover) send(msg pow.Message) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()

	if conn == nil {
		return
	}

	if err := conn.Send(msg); err != nil {
		p.log.Debugw("prover", "status", "message not delivered", "uuid", msg.UUID, "ERROR", err)
	}
}
