package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/engine"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/prover"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newEngine(t *testing.T, cfg prover.Config) *engine.Engine {
	t.Helper()

	log := zap.NewNop().Sugar()
	e := engine.New(engine.InProcess(cfg, log), log)
	t.Cleanup(e.Shutdown)

	return e
}

// scripted returns a launcher whose units are driven by the test through
// the returned channel of unit side connections.
func scripted(t *testing.T) (engine.Launcher, <-chan pow.Conn) {
	t.Helper()

	units := make(chan pow.Conn, 4)
	launcher := engine.LauncherFunc(func() (pow.Conn, error) {
		supervisor, unit := pow.Pipe()
		units <- unit
		return supervisor, nil
	})

	return launcher, units
}

func proofRequest(t *testing.T, zeros int) pow.ProofRequest {
	t.Helper()

	kp, err := signature.GenerateKeyPair()
	require.NoError(t, err)

	forced := int64(1500000000)
	return pow.ProofRequest{
		Block: block.Block{
			Version:  block.Version,
			Currency: "test_net",
			Joiners:  []string{"a"},
		},
		Zeros:      zeros,
		Pair:       kp,
		ForcedTime: &forced,
	}
}

type proveResult struct {
	result *pow.ProofResult
	err    error
}

func proveAsync(e *engine.Engine, req pow.ProofRequest) <-chan proveResult {
	ch := make(chan proveResult, 1)
	go func() {
		result, err := e.Prove(context.Background(), req)
		ch <- proveResult{result: result, err: err}
	}()
	return ch
}

func answer(t *testing.T, conn pow.Conn, uuid string, value any) {
	t.Helper()

	data, err := json.Marshal(value)
	require.NoError(t, err)
	require.NoError(t, conn.Send(pow.Message{UUID: uuid, Answer: data}))
}

// =============================================================================

func TestStatusStartsUnit(t *testing.T) {
	e := newEngine(t, prover.Config{})
	ctx := context.Background()

	require.False(t, e.IsConnected())

	for range 2 {
		state, err := e.Status(ctx)
		require.NoError(t, err)
		require.Equal(t, pow.StateReady, state)
	}

	require.True(t, e.IsConnected())
}

func TestCancelIdle(t *testing.T) {
	e := newEngine(t, prover.Config{})
	ctx := context.Background()

	state, err := e.Cancel(ctx)
	require.NoError(t, err)
	require.Equal(t, pow.StateReady, state)
	require.False(t, e.IsConnected())

	_, err = e.Status(ctx)
	require.NoError(t, err)

	state, err = e.Cancel(ctx)
	require.NoError(t, err)
	require.Equal(t, pow.StateReady, state)
}

func TestCancelUntilAcknowledged(t *testing.T) {
	launcher, units := scripted(t)
	e := engine.New(launcher, zap.NewNop().Sugar())
	t.Cleanup(e.Shutdown)

	proved := proveAsync(e, proofRequest(t, 1))

	unit := <-units
	msg, err := unit.Receive()
	require.NoError(t, err)
	require.Equal(t, pow.CmdNewPoW, msg.Command)
	proofID := msg.UUID

	go func() {
		for {
			msg, err := unit.Receive()
			if err != nil {
				return
			}
			if msg.Command == pow.CmdCancel {
				unit.Send(pow.Message{UUID: msg.UUID, Answer: json.RawMessage(`"cancelling"`)})
			}
		}
	}()

	for range 2 {
		state, err := e.Cancel(context.Background())
		require.NoError(t, err)
		require.Equal(t, pow.StateCancelling, state)
	}

	answer(t, unit, proofID, nil)

	select {
	case r := <-proved:
		require.NoError(t, r.err)
		require.Nil(t, r.result)
	case <-time.After(5 * time.Second):
		t.Fatal("prove did not resolve after acknowledgment")
	}
}

func TestCancelActiveSearch(t *testing.T) {
	e := newEngine(t, prover.Config{})
	ctx := context.Background()

	proved := proveAsync(e, proofRequest(t, 63))

	require.Eventually(t, func() bool {
		state, err := e.State(ctx)
		return err == nil && state == pow.StateComputing
	}, 5*time.Second, 5*time.Millisecond)

	state, err := e.Cancel(ctx)
	require.NoError(t, err)
	require.Equal(t, pow.StateCancelling, state)

	select {
	case r := <-proved:
		require.NoError(t, r.err)
		require.Nil(t, r.result)
	case <-time.After(5 * time.Second):
		t.Fatal("prove did not resolve after cancel")
	}
}

func TestProve(t *testing.T) {
	e := newEngine(t, prover.Config{})

	req := proofRequest(t, 1)
	result, err := e.Prove(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, result)
	require.True(t, block.Matches(result.PoW, 1, ""))
	require.NoError(t, result.Block.Verify(1, ""))
	require.Equal(t, req.Pair.Pub, result.Block.Issuer)
}

func TestProveRejectsInvalidRequest(t *testing.T) {
	e := newEngine(t, prover.Config{})

	req := proofRequest(t, 64)
	_, err := e.Prove(context.Background(), req)
	require.Error(t, err)

	req = proofRequest(t, 1)
	req.HighMark = "G"
	_, err = e.Prove(context.Background(), req)
	require.Error(t, err)

	req = proofRequest(t, 1)
	req.Pair = signature.KeyPair{}
	_, err = e.Prove(context.Background(), req)
	require.Error(t, err)

	req = proofRequest(t, 1)
	prefix := pow.MaxPrefix + 1
	req.Conf.Prefix = &prefix
	_, err = e.Prove(context.Background(), req)
	require.Error(t, err)

	req = proofRequest(t, 1)
	req.NonceBeginning = pow.NonceRange
	_, err = e.Prove(context.Background(), req)
	require.Error(t, err)

	require.False(t, e.IsConnected())
}

func TestIdleTimeout(t *testing.T) {
	tt := []struct {
		name      string
		timeout   time.Duration
		connected bool
	}{
		{name: "short", timeout: 50 * time.Millisecond, connected: false},
		{name: "long", timeout: 200 * time.Millisecond, connected: true},
	}

	for _, tst := range tt {
		t.Run(tst.name, func(t *testing.T) {
			e := newEngine(t, prover.Config{IdleTimeout: tst.timeout})

			_, err := e.Status(context.Background())
			require.NoError(t, err)

			time.Sleep(100 * time.Millisecond)

			switch tst.connected {
			case true:
				require.True(t, e.IsConnected())
			default:
				require.Eventually(t, func() bool { return !e.IsConnected() }, time.Second, 5*time.Millisecond)
			}
		})
	}
}

func TestRestartAfterIdle(t *testing.T) {
	e := newEngine(t, prover.Config{IdleTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	_, err := e.SetValue(ctx, pow.KeyCPU, 0.5)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return !e.IsConnected() }, time.Second, 5*time.Millisecond)

	result, err := e.Prove(ctx, proofRequest(t, 0))
	require.NoError(t, err)
	require.NotNil(t, result)

	cpu, err := e.GetValue(ctx, pow.KeyCPU)
	require.NoError(t, err)
	require.JSONEq(t, "0.5", string(cpu))
}

func TestDisconnectResolvesPending(t *testing.T) {
	launcher, units := scripted(t)
	e := engine.New(launcher, zap.NewNop().Sugar())
	t.Cleanup(e.Shutdown)

	proved := proveAsync(e, proofRequest(t, 1))

	unit := <-units
	_, err := unit.Receive()
	require.NoError(t, err)
	require.NoError(t, unit.Close())

	select {
	case r := <-proved:
		require.NoError(t, r.err)
		require.Nil(t, r.result)
	case <-time.After(5 * time.Second):
		t.Fatal("prove did not resolve after disconnect")
	}

	require.Eventually(t, func() bool { return !e.IsConnected() }, time.Second, 5*time.Millisecond)
}

func TestProtocolAnomalies(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	launcher, units := scripted(t)
	e := engine.New(launcher, zap.New(core).Sugar())
	t.Cleanup(e.Shutdown)

	infos := make(chan pow.Message, 1)
	e.SetOnInfoMessage(func(msg pow.Message) { infos <- msg })

	go func() {
		unit := <-units
		msg, err := unit.Receive()
		if err != nil {
			return
		}

		unit.Send(pow.Message{UUID: "unknown", Answer: json.RawMessage(`1`)})
		unit.Send(pow.Message{Command: pow.CmdInfo, Value: json.RawMessage(`{"state":"ready"}`)})
		unit.Send(pow.Message{UUID: msg.UUID, Answer: json.RawMessage(`"ready"`)})
		unit.Send(pow.Message{UUID: msg.UUID, Answer: json.RawMessage(`"ready"`)})
	}()

	state, err := e.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, pow.StateReady, state)

	select {
	case msg := <-infos:
		require.Equal(t, pow.CmdInfo, msg.Command)
	case <-time.After(time.Second):
		t.Fatal("info message not delivered")
	}

	require.Eventually(t, func() bool {
		return logs.FilterField(zap.String("kind", "unknown_uuid")).Len() == 1 &&
			logs.FilterField(zap.String("kind", "already_resolved")).Len() == 1
	}, time.Second, 5*time.Millisecond)

	require.True(t, e.IsConnected())
}

func TestProveAbandonedOnContext(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	launcher, units := scripted(t)
	e := engine.New(launcher, zap.New(core).Sugar())
	t.Cleanup(e.Shutdown)

	ctx, cancel := context.WithCancel(context.Background())

	proved := make(chan error, 1)
	go func() {
		_, err := e.Prove(ctx, proofRequest(t, 1))
		proved <- err
	}()

	unit := <-units
	search, err := unit.Receive()
	require.NoError(t, err)
	require.Equal(t, pow.CmdNewPoW, search.Command)

	cancel()

	select {
	case err := <-proved:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("prove did not return after its context ended")
	}

	stop, err := unit.Receive()
	require.NoError(t, err)
	require.Equal(t, pow.CmdCancel, stop.Command)

	answer(t, unit, stop.UUID, pow.StateCancelling)
	answer(t, unit, search.UUID, nil)

	go func() {
		msg, err := unit.Receive()
		if err != nil {
			return
		}
		unit.Send(pow.Message{UUID: msg.UUID, Answer: json.RawMessage(`"ready"`)})
	}()

	state, err := e.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, pow.StateReady, state)

	require.Zero(t, logs.Len())
}

func TestInfoMessages(t *testing.T) {
	e := newEngine(t, prover.Config{})

	infos := make(chan pow.Message, 16)
	e.SetOnInfoMessage(func(msg pow.Message) {
		select {
		case infos <- msg:
		default:
		}
	})

	_, err := e.Prove(context.Background(), proofRequest(t, 1))
	require.NoError(t, err)

	var found bool
	for !found {
		select {
		case msg := <-infos:
			var info pow.Info
			require.NoError(t, json.Unmarshal(msg.Value, &info))
			found = info.Found
		case <-time.After(5 * time.Second):
			t.Fatal("found info not delivered")
		}
	}
}

func TestExecLaunchFailure(t *testing.T) {
	e := engine.New(engine.Exec("/nonexistent/powworker"), zap.NewNop().Sugar())

	_, err := e.Status(context.Background())
	require.Error(t, err)
	require.False(t, e.IsConnected())
}
