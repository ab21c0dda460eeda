// Package ctl is the client side of the collector protocol, used by collector-ctl.
package ctl

import (
	"context"
	"fmt"
	"net"

	"github.com/doughall/collector/internal/wire"
)

// Send connects to addr, sends cmd, half-closes and waits for the single response.
// The context bounds the whole exchange.
func Send(ctx context.Context, addr string, cmd wire.Command) (wire.Response, error) {
	if err := cmd.Validate(); err != nil {
		return wire.Response{}, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return wire.Response{}, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := wire.WriteCommand(conn, cmd); err != nil {
		return wire.Response{}, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			return wire.Response{}, fmt.Errorf("failed to send command eof: %w", err)
		}
	}

	resp, err := wire.ReadResponse(conn)
	if err != nil {
		return wire.Response{}, fmt.Errorf("no response from agent: %w", err)
	}
	return resp, nil
}
