package mmaterpc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	mmaterpc "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
)

func TestModule(t *testing.T) {
	var rpc *mmaterpc.RPC

	app := fxtest.New(t,
		mmaterpc.Logger(quietLogger()),
		fx.Supply(mmaterpc.Config{}),
		fx.Supply(quietLogger()),
		fx.Provide(func() messaging.Transport {
			return memory.New(memory.WithMandatory(true))
		}),
		mmaterpc.AsOption(mmaterpc.WithCallbackPattern("__callback.fx")),
		mmaterpc.Module,
		fx.Populate(&rpc),
	)
	app.RequireStart()

	require.NotNil(t, rpc)
	assert.Equal(t, "__callback.fx", rpc.CallbackPattern())

	_, err := rpc.Pull(context.Background(), "ping", func(ctx context.Context, msg contracts.Payload, respond messaging.Responder) {
		respond(contracts.Payload{"pong": true}, nil)
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := rpc.Call(ctx, "ping", nil)
	require.NoError(t, err)
	assert.Equal(t, true, reply["pong"])

	app.RequireStop()

	_, err = rpc.Pull(context.Background(), "ping", func(ctx context.Context, msg contracts.Payload, respond messaging.Responder) {})
	assert.ErrorIs(t, err, messaging.ErrQueueClosed)
	assert.False(t, rpc.IsConnected())
}
