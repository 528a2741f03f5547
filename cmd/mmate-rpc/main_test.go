package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mmaterpc "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
)

func TestEchoReply(t *testing.T) {
	t.Run("echoes payload and correlation id", func(t *testing.T) {
		reply, err := echoReply("orders.get", contracts.Payload{"id": 1.0}, contracts.Options{CorrelationID: "c-1"})
		require.NoError(t, err)
		assert.Equal(t, "orders.get", reply["pattern"])
		assert.Equal(t, "c-1", reply["correlationId"])
		assert.Equal(t, contracts.Payload{"id": 1.0}, reply["echo"])
	})

	t.Run("fail field produces an error", func(t *testing.T) {
		_, err := echoReply("orders.get", contracts.Payload{failField: "boom"}, contracts.Options{})
		assert.EqualError(t, err, "boom")
	})
}

func TestRegisterEcho(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rpc, err := mmaterpc.New(memory.New(memory.WithMandatory(true)), mmaterpc.WithLogger(logger))
	require.NoError(t, err)
	defer rpc.Close()

	chain := echoChain(logger, time.Second)
	require.NoError(t, registerEcho(context.Background(), rpc, chain, []string{"echo.a", "echo.b"}, logger))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := rpc.Call(ctx, "echo.b", contracts.Payload{"x": 1.0})
	require.NoError(t, err)
	assert.Equal(t, "echo.b", reply["pattern"])
	assert.NotEmpty(t, reply["correlationId"])
	assert.Equal(t, contracts.Payload{"x": 1.0}, reply["echo"])

	_, err = rpc.Call(ctx, "echo.a", contracts.Payload{failField: "refused"})
	var remote *contracts.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "refused", remote.Message)
}

func TestParsePayload(t *testing.T) {
	data, err := parsePayload(`{"a": 1}`)
	require.NoError(t, err)
	assert.Equal(t, contracts.Payload{"a": 1.0}, data)

	_, err = parsePayload(`[1, 2]`)
	assert.Error(t, err)
}

type stubCaller struct {
	fail map[int]bool
	n    int
}

func (s *stubCaller) Call(ctx context.Context, pattern string, data contracts.Payload, opts ...messaging.PushOption) (contracts.Payload, error) {
	s.n++
	if s.fail[s.n] {
		return nil, messaging.ErrNoRoute
	}
	return contracts.Payload{"n": s.n}, nil
}

func TestSendAll(t *testing.T) {
	var stdout, stderr bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)

	rpc := &stubCaller{fail: map[int]bool{2: true}}
	failed := sendAll(context.Background(), rpc, "p", nil, &callFlags{count: 3, concurrency: 1}, cmd)

	assert.Equal(t, 1, failed)
	assert.Equal(t, 2, strings.Count(stdout.String(), "\n"))
	assert.Contains(t, stderr.String(), "no route")
}

func TestDemo(t *testing.T) {
	var out bytes.Buffer
	global := &globalFlags{}

	require.NoError(t, runDemo(context.Background(), &out, global))

	lines := out.String()
	assert.Contains(t, lines, `demo.add   reply: {"sum":5}`)
	assert.Contains(t, lines, "a and b must be numbers")
	assert.Contains(t, lines, "demo.add   remote ")
	assert.Contains(t, lines, `demo.once  reply: {"first":true}`)
	assert.Contains(t, lines, "demo.once  failed:")
	assert.Contains(t, lines, "event publish_failed pattern=demo.once")
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCmd()
	names := make([]string, 0, len(cmd.Commands()))
	for _, sub := range cmd.Commands() {
		names = append(names, sub.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "call", "demo"}, names)

	url, err := cmd.PersistentFlags().GetString("url")
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}
