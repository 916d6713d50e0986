// Copyright (c) AgentLink Authors.
// Licensed under the MIT License.

/*
Package transport is the facade of the agent-to-agent transport layer.

A Transport is created with New, enabled with Initialize and retired with
Shutdown. In between, callers open connections to remote agents over
WebSocket, HTTP(S), gRPC or TCP and exchange JSON-RPC style messages:

	t := transport.New(cfg.Transport, transport.WithLogger(logger))
	if err := t.Initialize(ctx, protocols); err != nil {
		return err
	}
	defer t.Shutdown(context.Background())

	conn, err := t.Connect(ctx, "planner", types.ConnectionConfig{
		Protocol: types.ProtocolWebSocket,
		Host:     "planner.internal",
		Port:     8443,
		Secure:   true,
	})
	resp, err := t.SendMessage(ctx, conn.ID, req)

Every failure is a *types.Error carrying a category (protocol, auth, timeout,
routing, capacity) and a code. Timeout and routing failures are retried with
exponential backoff before they reach the caller.

Connection lifecycle events are delivered to Subscribe callbacks, to buffered
channels from Events, and optionally to Redis through events.RedisPublisher.
*/
package transport
