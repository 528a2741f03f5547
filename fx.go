package mmaterpc

import (
	"context"
	"log/slog"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/glimte/mmate-rpc/messaging"
)

// Params are the dependencies of the RPC inside an fx application.
// Without a Transport the RPC dials Config.URL.
type Params struct {
	fx.In

	Config    Config
	Logger    *slog.Logger               `optional:"true"`
	Metrics   messaging.MetricsCollector `optional:"true"`
	Transport messaging.Transport        `optional:"true"`
	Options   []Option                   `group:"mmaterpc.options"`
}

// Module provides an *RPC that is closed when the application stops
var Module = fx.Module("mmaterpc",
	fx.Provide(NewFromParams),
)

// Logger routes fx lifecycle events through logger
func Logger(logger *slog.Logger) fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		return &fxevent.SlogLogger{Logger: logger}
	})
}

// AsOption registers an RPC option for the module
func AsOption(opt Option) fx.Option {
	return fx.Provide(fx.Annotate(
		func() Option { return opt },
		fx.ResultTags(`group:"mmaterpc.options"`),
	))
}

// NewFromParams builds the RPC for the fx module and hooks its Close into the lifecycle
func NewFromParams(lc fx.Lifecycle, p Params) (*RPC, error) {
	opts := p.Config.Options()
	if p.Logger != nil {
		opts = append(opts, WithLogger(p.Logger))
	}
	if p.Metrics != nil {
		opts = append(opts, WithMetrics(p.Metrics))
	}
	opts = append(opts, p.Options...)

	var (
		rpc *RPC
		err error
	)
	if p.Transport != nil {
		rpc, err = New(p.Transport, opts...)
	} else {
		rpc, err = Dial(context.Background(), p.Config.URL, opts...)
	}
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return rpc.Close()
		},
	})
	return rpc, nil
}
