package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	mmaterpc "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
	"github.com/glimte/mmate-rpc/transports/memory"
)

func newDemoCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a request/reply round trip in process",
		Long:  "Demo wires a responder and a requester over the in-memory transport. No broker is needed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), global)
		},
	}
}

func runDemo(ctx context.Context, out io.Writer, global *globalFlags) error {
	rpc, err := mmaterpc.New(memory.New(memory.WithMandatory(true)),
		append(global.config.Options(), mmaterpc.WithLogger(global.logger()))...)
	if err != nil {
		return err
	}
	defer rpc.Close()

	rpc.On(messaging.EventAny, func(event messaging.Event) {
		fmt.Fprintf(out, "event %s pattern=%s correlationId=%s\n", event.Kind, event.Pattern, event.CorrelationID)
	})

	if _, err := rpc.Connection().Pull(ctx, "demo.add", func(ctx context.Context, msg contracts.Payload, respond messaging.Responder) {
		a, okA := msg["a"].(float64)
		b, okB := msg["b"].(float64)
		if !okA || !okB {
			respond(nil, errors.New("a and b must be numbers"))
			return
		}
		respond(contracts.Payload{"sum": a + b}, nil)
	}); err != nil {
		return err
	}

	if _, err := rpc.Connection().PullOnce(ctx, "demo.once", func(ctx context.Context, msg contracts.Payload, respond messaging.Responder) {
		respond(contracts.Payload{"first": true}, nil)
	}); err != nil {
		return err
	}

	steps := []struct {
		pattern string
		data    contracts.Payload
	}{
		{"demo.add", contracts.Payload{"a": 2.0, "b": 3.0}},
		{"demo.add", contracts.Payload{"a": "two"}},
		{"demo.once", nil},
		{"demo.once", nil},
	}

	for _, step := range steps {
		reply, err := rpc.Call(ctx, step.pattern, step.data)
		printResult(out, step.pattern, reply, err)
	}
	return nil
}

func printResult(out io.Writer, pattern string, reply contracts.Payload, err error) {
	if err != nil {
		var remote *contracts.RemoteError
		if errors.As(err, &remote) {
			fmt.Fprintf(out, "%-10s remote %s: %s\n", pattern, remote.Name, remote.Message)
			return
		}
		fmt.Fprintf(out, "%-10s failed: %v\n", pattern, err)
		return
	}
	data, _ := json.Marshal(reply)
	fmt.Fprintf(out, "%-10s reply: %s\n", pattern, data)
}
