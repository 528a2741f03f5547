package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mmaterpc "github.com/glimte/mmate-rpc"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/messaging"
)

type callFlags struct {
	count       int
	concurrency int
}

func newCallCmd(global *globalFlags) *cobra.Command {
	flags := &callFlags{}

	cmd := &cobra.Command{
		Use:   "call <pattern> [json]",
		Short: "Send requests and print the replies",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data contracts.Payload
			if len(args) == 2 {
				var err error
				if data, err = parsePayload(args[1]); err != nil {
					return err
				}
			}

			ctx := cmd.Context()

			rpc, err := mmaterpc.Dial(ctx, global.config.URL,
				append(global.config.Options(), mmaterpc.WithLogger(global.logger()))...)
			if err != nil {
				return err
			}
			defer rpc.Close()

			failed := sendAll(ctx, rpc, args[0], data, flags, cmd)
			if failed > 0 {
				return fmt.Errorf("%d of %d requests failed", failed, flags.count)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&flags.count, "count", "n", 1, "Number of requests to send")
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "c", 1, "Requests in flight at once")
	return cmd
}

// caller is the part of the RPC the call command needs
type caller interface {
	Call(ctx context.Context, pattern string, data contracts.Payload, opts ...messaging.PushOption) (contracts.Payload, error)
}

// sendAll sends flags.count requests and returns how many failed
func sendAll(ctx context.Context, rpc caller, pattern string, data contracts.Payload, flags *callFlags, cmd *cobra.Command) int {
	var failed atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(flags.concurrency, 1))

	for i := 0; i < flags.count; i++ {
		g.Go(func() error {
			reply, err := rpc.Call(ctx, pattern, data)
			if err != nil {
				failed.Add(1)
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				return nil
			}
			out, err := json.Marshal(reply)
			if err != nil {
				failed.Add(1)
				fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		})
	}
	g.Wait()

	return int(failed.Load())
}

func parsePayload(raw string) (contracts.Payload, error) {
	if raw == "-" {
		var data contracts.Payload
		if err := json.NewDecoder(os.Stdin).Decode(&data); err != nil {
			return nil, fmt.Errorf("failed to read payload from stdin: %w", err)
		}
		return data, nil
	}
	var data contracts.Payload
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	return data, nil
}
