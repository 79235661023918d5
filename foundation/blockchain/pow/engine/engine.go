// Package engine supervises the proof of work computation unit. The engine
// starts the unit on demand, correlates every request with its answer and
// restarts the unit lazily after it exits.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// answeredIDs bounds the memory of correlation ids already answered, used
// to classify repeated answers.
const answeredIDs = 1024

// errStale is returned internally when a request raced with the unit going
// away and must be retried on a fresh unit.
var errStale = errors.New("unit connection is stale")

// Engine is the supervisor side of the proof of work engine.
type Engine struct {
	log      *zap.SugaredLogger
	launcher Launcher
	validate *validator.Validate

	launchMu sync.Mutex

	mu        sync.Mutex
	conn      pow.Conn
	pending   map[string]*future
	abandoned map[string]struct{}
	answered  *lru.Cache[string, struct{}]
	values    map[string]json.RawMessage
	order     []string
	onInfo    func(pow.Message)
}

// New constructs an engine. No unit is started until the first request.
func New(launcher Launcher, log *zap.SugaredLogger) *Engine {
	// The size is a positive constant so the constructor cannot fail.
	answered, _ := lru.New[string, struct{}](answeredIDs)

	return &Engine{
		log:       log,
		launcher:  launcher,
		validate:  validator.New(),
		pending:   make(map[string]*future),
		abandoned: make(map[string]struct{}),
		answered:  answered,
		values:    make(map[string]json.RawMessage),
	}
}

// Prove submits a proof request. A nil result with a nil error means the
// request was cancelled, superseded by a newer request or the unit exited
// before answering.
func (e *Engine) Prove(ctx context.Context, req pow.ProofRequest) (*pow.ProofResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("validating proof request: %w", err)
	}

	started := time.Now()

	answer, err := e.request(ctx, pow.CmdNewPoW, req, true)
	if err != nil {
		observeProof(outcomeError, 0, started)
		return nil, err
	}

	if isNull(answer) {
		observeProof(outcomeNoResult, 0, started)
		return nil, nil
	}

	var result pow.ProofResult
	if err := json.Unmarshal(answer, &result); err != nil {
		e.anomaly(anomalyMalformed, "", err)
		observeProof(outcomeNoResult, 0, started)
		return nil, nil
	}

	observeProof(outcomeFound, result.TestsCount, started)

	return &result, nil
}

// Cancel asks the unit to stop its current search. It returns ready when no
// unit is connected or nothing was running, and cancelling while the search
// winds down. It never starts a unit.
func (e *Engine) Cancel(ctx context.Context) (pow.State, error) {
	answer, err := e.request(ctx, pow.CmdCancel, nil, false)
	if err != nil {
		return "", err
	}

	return e.decodeState(answer), nil
}

// Status starts the unit if needed and confirms it answers. It returns
// ready once the unit is live.
func (e *Engine) Status(ctx context.Context) (pow.State, error) {
	if _, err := e.request(ctx, pow.CmdState, nil, true); err != nil {
		return "", err
	}

	return pow.StateReady, nil
}

// State returns the unit's own phase without starting it.
func (e *Engine) State(ctx context.Context) (pow.State, error) {
	answer, err := e.request(ctx, pow.CmdState, nil, false)
	if err != nil {
		return "", err
	}

	return e.decodeState(answer), nil
}

// GetValue reads a runtime parameter of the unit.
func (e *Engine) GetValue(ctx context.Context, key string) (json.RawMessage, error) {
	return e.request(ctx, key, nil, true)
}

// SetValue changes a runtime parameter of the unit and returns the value now
// in effect. The value is remembered and applied again whenever the unit is
// restarted.
func (e *Engine) SetValue(ctx context.Context, key string, value any) (json.RawMessage, error) {
	if value == nil {
		return nil, fmt.Errorf("setting %s: value required", key)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", key, err)
	}

	e.mu.Lock()
	if _, exists := e.values[key]; !exists {
		e.order = append(e.order, key)
	}
	e.values[key] = data
	e.mu.Unlock()

	return e.request(ctx, key, json.RawMessage(data), true)
}

// IsConnected reports whether a unit is currently alive. It never starts one.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.conn != nil
}

// SetOnInfoMessage registers the sink for messages the unit sends without a
// correlation id.
func (e *Engine) SetOnInfoMessage(fn func(pow.Message)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.onInfo = fn
}

// Shutdown stops the unit. Pending requests resolve with no result.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		e.disconnect(conn, nil)
	}
}

// =============================================================================

// request sends a command and waits for its answer. When launch is false and
// no unit is connected, the answer is null.
func (e *Engine) request(ctx context.Context, command string, value any, launch bool) (json.RawMessage, error) {
	msg := pow.Message{Command: command}

	switch v := value.(type) {
	case nil:
	case json.RawMessage:
		msg.Value = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", command, err)
		}
		msg.Value = data
	}

	const attempts = 2

	var err error
	for range attempts {
		var f *future
		var id string
		f, id, err = e.post(command, msg, launch)
		switch {
		case err == nil:
			if f == nil {
				return nil, nil
			}

			answer, err := f.wait(ctx)
			if err != nil {
				e.abandon(command, id)
			}
			return answer, err

		case errors.Is(err, errStale):
			continue
		}

		return nil, err
	}

	return nil, err
}

// post delivers a message to the current unit and returns the future for
// its answer along with the correlation id. It returns a nil future when no
// unit is connected and launch is false.
func (e *Engine) post(command string, msg pow.Message, launch bool) (*future, string, error) {
	var conn pow.Conn
	switch launch {
	case true:
		c, err := e.connect()
		if err != nil {
			return nil, "", err
		}
		conn = c

	default:
		e.mu.Lock()
		conn = e.conn
		e.mu.Unlock()

		if conn == nil {
			return nil, "", nil
		}
	}

	id := uuid.NewString()
	msg.UUID = id

	f, err := e.register(conn, id)
	if err != nil {
		return nil, "", err
	}

	if err := conn.Send(msg); err != nil {
		e.log.Infow("pow-engine", "status", "send failed, unit gone", "command", command, "uuid", id, "ERROR", err)
		e.disconnect(conn, err)
		return nil, "", errStale
	}

	return f, id, nil
}

// abandon forgets a request whose caller stopped waiting. The unit's late
// answer is dropped quietly, and an abandoned proof search is cancelled.
func (e *Engine) abandon(command string, id string) {
	e.mu.Lock()
	_, exists := e.pending[id]
	if exists {
		delete(e.pending, id)
		e.abandoned[id] = struct{}{}
	}
	conn := e.conn
	e.mu.Unlock()

	if !exists || conn == nil {
		return
	}

	e.log.Infow("pow-engine", "status", "request abandoned", "command", command, "uuid", id)

	if command != pow.CmdNewPoW {
		return
	}

	cancelID := uuid.NewString()

	e.mu.Lock()
	live := e.conn == conn
	if live {
		e.abandoned[cancelID] = struct{}{}
	}
	e.mu.Unlock()

	if !live {
		return
	}

	if err := conn.Send(pow.Message{UUID: cancelID, Command: pow.CmdCancel}); err != nil {
		e.disconnect(conn, err)
	}
}

// register creates the future for id, provided conn is still the live unit.
// Futures registered here are resolved by the reader or by disconnect.
func (e *Engine) register(conn pow.Conn, id string) (*future, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn != conn {
		return nil, errStale
	}

	f := newFuture()
	e.pending[id] = f

	return f, nil
}

// connect returns the live unit connection, launching a unit and replaying
// the remembered parameters if none is alive.
func (e *Engine) connect() (pow.Conn, error) {
	e.launchMu.Lock()
	defer e.launchMu.Unlock()

	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()

	if conn != nil {
		return conn, nil
	}

	conn, err := e.launcher.Launch()
	if err != nil {
		return nil, fmt.Errorf("launching unit: %w", err)
	}

	e.mu.Lock()
	e.conn = conn
	replay := make([]pow.Message, 0, len(e.order))
	for _, key := range e.order {
		replay = append(replay, pow.Message{Command: key, Value: e.values[key]})
	}
	e.mu.Unlock()

	unitLaunchesTotal.Inc()
	e.log.Infow("pow-engine", "status", "unit started", "replayed", len(replay))

	go e.receive(conn)

	for _, msg := range replay {
		msg.UUID = uuid.NewString()
		if _, err := e.register(conn, msg.UUID); err != nil {
			break
		}
		if err := conn.Send(msg); err != nil {
			e.disconnect(conn, err)
			break
		}
	}

	return conn, nil
}

// receive reads messages from one unit until it goes away.
func (e *Engine) receive(conn pow.Conn) {
	for {
		msg, err := conn.Receive()
		if err != nil {
			if errors.Is(err, pow.ErrMalformed) {
				e.anomaly(anomalyMalformed, "", err)
				continue
			}

			e.disconnect(conn, err)
			return
		}

		e.dispatch(msg)
	}
}

// dispatch routes one inbound message to its future or to the info sink.
func (e *Engine) dispatch(msg pow.Message) {
	if msg.UUID == "" {
		e.mu.Lock()
		fn := e.onInfo
		e.mu.Unlock()

		if fn != nil {
			fn(msg)
		}
		return
	}

	e.mu.Lock()
	f, exists := e.pending[msg.UUID]
	delete(e.pending, msg.UUID)
	_, abandoned := e.abandoned[msg.UUID]
	delete(e.abandoned, msg.UUID)
	e.mu.Unlock()

	switch {
	case exists:
		e.answered.Add(msg.UUID, struct{}{})
		f.resolve(msg.Answer)

	case abandoned:
		e.answered.Add(msg.UUID, struct{}{})
		e.log.Debugw("pow-engine", "status", "dropping answer to abandoned request", "uuid", msg.UUID)

	case e.answered.Contains(msg.UUID):
		e.anomaly(anomalyResolved, msg.UUID, nil)

	default:
		e.anomaly(anomalyUnknown, msg.UUID, nil)
	}
}

// disconnect forgets the unit behind conn and resolves all of its pending
// futures with no result. Calls for a unit that is already forgotten are
// ignored.
func (e *Engine) disconnect(conn pow.Conn, reason error) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	pending := e.pending
	e.pending = make(map[string]*future)
	e.abandoned = make(map[string]struct{})
	e.mu.Unlock()

	conn.Close()

	unitDisconnectsTotal.Inc()
	e.log.Infow("pow-engine", "status", "unit disconnected", "pending", len(pending), "reason", reason)

	for _, f := range pending {
		f.resolve(nil)
	}
}

// anomaly records a message the protocol does not expect.
func (e *Engine) anomaly(kind string, id string, err error) {
	protocolAnomaliesTotal.WithLabelValues(kind).Inc()
	e.log.Warnw("pow-engine", "status", "protocol anomaly", "kind", kind, "uuid", id, "ERROR", err)
}

// decodeState reads a state answer, treating no answer as ready.
func (e *Engine) decodeState(answer json.RawMessage) pow.State {
	if isNull(answer) {
		return pow.StateReady
	}

	var state pow.State
	if err := json.Unmarshal(answer, &state); err != nil {
		e.anomaly(anomalyMalformed, "", err)
		return pow.StateReady
	}

	return state
}
