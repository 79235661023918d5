package prover_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ardanlabs/blockforge/foundation/blockchain/block"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow"
	"github.com/ardanlabs/blockforge/foundation/blockchain/pow/prover"
	"github.com/ardanlabs/blockforge/foundation/blockchain/signature"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// client is the supervisor side of a pipe used to drive a prover.
type client struct {
	t    *testing.T
	conn pow.Conn
	info []pow.Info
}

func start(t *testing.T, cfg prover.Config) (*client, <-chan error) {
	t.Helper()

	a, b := pow.Pipe()
	p := prover.New(cfg, zap.NewNop().Sugar())

	done := make(chan error, 1)
	go func() {
		done <- p.Serve(context.Background(), b)
	}()

	t.Cleanup(func() { a.Close() })

	return &client{t: t, conn: a}, done
}

func (c *client) send(command string, uuid string, value any) {
	c.t.Helper()

	msg := pow.Message{Command: command, UUID: uuid}
	if value != nil {
		data, err := json.Marshal(value)
		require.NoError(c.t, err)
		msg.Value = data
	}

	require.NoError(c.t, c.conn.Send(msg))
}

// await reads messages until the answer for uuid arrives, collecting the
// informational messages seen along the way.
func (c *client) await(uuid string) json.RawMessage {
	c.t.Helper()

	for {
		msg, err := c.conn.Receive()
		require.NoError(c.t, err)

		if msg.UUID == "" {
			var info pow.Info
			require.NoError(c.t, json.Unmarshal(msg.Value, &info))
			c.info = append(c.info, info)
			continue
		}

		require.Equal(c.t, uuid, msg.UUID)
		return msg.Answer
	}
}

func newRequest(t *testing.T, zeros int) pow.ProofRequest {
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

// =============================================================================

func TestProverProof(t *testing.T) {
	c, _ := start(t, prover.Config{})

	req := newRequest(t, 1)
	c.send(pow.CmdNewPoW, "p1", req)

	var result pow.ProofResult
	require.NoError(t, json.Unmarshal(c.await("p1"), &result))

	require.Equal(t, result.PoW, result.Block.Hash)
	require.True(t, result.TestsCount > 0)
	require.Equal(t, int64(1500000000), result.Block.Time)
	require.Equal(t, req.Pair.Pub, result.Block.Issuer)
	require.NoError(t, result.Block.Verify(1, ""))

	c.send(pow.CmdState, "s1", nil)
	require.JSONEq(t, `"ready"`, string(c.await("s1")))
}

func TestProverRejectsPrefixOverflow(t *testing.T) {
	c, _ := start(t, prover.Config{})

	req := newRequest(t, 1)
	prefix := pow.MaxPrefix + 1
	req.Conf.Prefix = &prefix
	c.send(pow.CmdNewPoW, "p1", req)
	require.JSONEq(t, `null`, string(c.await("p1")))

	c.send(pow.KeyPrefix, "g1", nil)
	require.JSONEq(t, `0`, string(c.await("g1")))

	c.send(pow.CmdState, "s1", nil)
	require.JSONEq(t, `"ready"`, string(c.await("s1")))
}

func TestProverCancel(t *testing.T) {
	c, _ := start(t, prover.Config{})

	c.send(pow.CmdCancel, "c0", nil)
	require.JSONEq(t, `"ready"`, string(c.await("c0")))

	c.send(pow.CmdNewPoW, "p1", newRequest(t, 60))

	c.send(pow.CmdState, "s1", nil)
	require.JSONEq(t, `"computing"`, string(c.await("s1")))

	c.send(pow.CmdCancel, "c1", nil)
	require.JSONEq(t, `"cancelling"`, string(c.await("c1")))

	// The search answers with null once it stopped.
	require.JSONEq(t, `null`, string(c.await("p1")))

	c.send(pow.CmdState, "s2", nil)
	require.JSONEq(t, `"ready"`, string(c.await("s2")))
}

func TestProverSupersede(t *testing.T) {
	c, _ := start(t, prover.Config{})

	c.send(pow.CmdNewPoW, "p1", newRequest(t, 60))
	c.send(pow.CmdNewPoW, "p2", newRequest(t, 0))

	answers := make(map[string]json.RawMessage)
	for len(answers) < 2 {
		msg, err := c.conn.Receive()
		require.NoError(t, err)
		if msg.UUID != "" {
			answers[msg.UUID] = msg.Answer
		}
	}

	require.JSONEq(t, `null`, string(answers["p1"]))

	var result pow.ProofResult
	require.NoError(t, json.Unmarshal(answers["p2"], &result))
	require.Equal(t, uint64(1), result.TestsCount)
}

func TestProverParameters(t *testing.T) {
	c, _ := start(t, prover.Config{CPU: 0.5, Prefix: 3, ID: "node"})

	c.send(pow.KeyCPU, "g1", nil)
	require.JSONEq(t, `0.5`, string(c.await("g1")))

	c.send(pow.KeyCPU, "s1", 0.8)
	require.JSONEq(t, `0.8`, string(c.await("s1")))

	c.send(pow.KeyCPU, "s2", 1.5)
	require.JSONEq(t, `null`, string(c.await("s2")))

	c.send(pow.KeyCPU, "g2", nil)
	require.JSONEq(t, `0.8`, string(c.await("g2")))

	c.send(pow.KeyPrefix, "g3", nil)
	require.JSONEq(t, `3`, string(c.await("g3")))

	c.send(pow.KeyPrefix, "s5", pow.MaxPrefix+1)
	require.JSONEq(t, `null`, string(c.await("s5")))

	c.send(pow.KeyPrefix, "s6", pow.MaxPrefix)
	require.JSONEq(t, `184467439`, string(c.await("s6")))

	c.send(pow.KeyID, "g4", nil)
	require.JSONEq(t, `"node"`, string(c.await("g4")))

	c.send(pow.KeyConf, "s3", map[string]any{"avgGenTime": 300})
	c.await("s3")
	c.send(pow.KeyConf, "s4", map[string]any{"medianTimeBlocks": 20})
	require.JSONEq(t, `{"avgGenTime":300,"medianTimeBlocks":20}`, string(c.await("s4")))

	c.send("unknown", "g5", nil)
	require.JSONEq(t, `null`, string(c.await("g5")))
}

func TestProverIdleTimeout(t *testing.T) {
	c, done := start(t, prover.Config{IdleTimeout: 50 * time.Millisecond})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("prover should have stopped after the idle timeout")
	}

	_, err := c.conn.Receive()
	require.Error(t, err)
}

func TestProverInfo(t *testing.T) {
	c, _ := start(t, prover.Config{})

	c.send(pow.CmdNewPoW, "p1", newRequest(t, 0))
	c.await("p1")
	require.Contains(t, c.info, pow.Info{State: pow.StateComputing})

	// The ready broadcast follows the answer.
	for {
		msg, err := c.conn.Receive()
		require.NoError(t, err)

		var info pow.Info
		require.NoError(t, json.Unmarshal(msg.Value, &info))
		if info.State == pow.StateReady {
			break
		}
		require.True(t, info.Found)
	}
}
