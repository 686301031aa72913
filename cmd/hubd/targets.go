package main

import (
	"context"
	"fmt"

	"github.com/hubrpc/hubrpc/pkg/hub"
	"github.com/hubrpc/hubrpc/pkg/protocol"
)

// registerJSON looks up the JSON hub protocol registered by
// pkg/protocol/json_codec.go's init function.
func registerJSON() (protocol.HubProtocol, bool) {
	return protocol.ProtocolByName("json")
}

// registerDemoTargets wires a couple of example invocation targets so the
// server is useful for manual smoke-testing without a real application on
// top of it.
func registerDemoTargets(d *hub.Dispatcher) {
	d.Handle("Echo", func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("Echo requires one argument")
		}
		return args[0], nil
	})

	d.HandleStream("Countdown", func(ctx context.Context, args []any, ch *hub.StreamChannel) error {
		n := 5
		if len(args) > 0 {
			if f, ok := args[0].(float64); ok {
				n = int(f)
			}
		}
		for i := n; i > 0; i-- {
			if err := ch.Send(float64(i)); err != nil {
				return err
			}
		}
		return nil
	})
}
