package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/genetlink/genltest"
	"github.com/mdlayher/netlink"
)

// nopLogger returns a logger that discards all output, suitable for tests.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testFamily = genetlink.Family{
	ID:      0x1f,
	Version: ProtocolVersion,
	Name:    DefaultFamilyName,
}

// captured holds the last request seen by the fake kernel module.
type captured struct {
	greq  genetlink.Message
	nreq  netlink.Message
	calls int
}

// fakeModule returns a dialer backed by genltest that answers every control
// request with a reply carrying status.
func fakeModule(t *testing.T, status int8, got *captured) Dialer {
	t.Helper()
	return func() (Conn, error) {
		return genltest.Dial(genltest.ServeFamily(testFamily,
			func(greq genetlink.Message, nreq netlink.Message) ([]genetlink.Message, error) {
				got.greq = greq
				got.nreq = nreq
				got.calls++

				ae := netlink.NewAttributeEncoder()
				ae.Uint8(attrMsg, uint8(status))
				data, err := ae.Encode()
				if err != nil {
					return nil, err
				}
				return []genetlink.Message{{Header: greq.Header, Data: data}}, nil
			})), nil
	}
}

func TestExecute_PathRequest(t *testing.T) {
	for _, cmd := range []Command{CommandHide, CommandUnhide} {
		t.Run(cmd.String(), func(t *testing.T) {
			var got captured
			client := NewClient(nopLogger(), WithDialer(fakeModule(t, 0, &got)))

			status, err := client.Execute(context.Background(), Request{Command: cmd, Payload: []byte("/tmp/x")})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if status != 0 {
				t.Errorf("expected status 0, got %d", status)
			}

			if got.nreq.Header.Type != netlink.HeaderType(testFamily.ID) {
				t.Errorf("request sent to family %d, want %d", got.nreq.Header.Type, testFamily.ID)
			}
			if got.nreq.Header.Flags&netlink.Request == 0 {
				t.Error("expected request flag")
			}
			if got.nreq.Header.Flags&netlink.Dump != 0 {
				t.Error("request must not ask for a dump")
			}
			if got.greq.Header.Command != uint8(cmd) {
				t.Errorf("opcode %d, want %d", got.greq.Header.Command, cmd)
			}
			if got.greq.Header.Version != ProtocolVersion {
				t.Errorf("version %d, want %d", got.greq.Header.Version, ProtocolVersion)
			}

			attrs, err := netlink.UnmarshalAttributes(got.greq.Data)
			if err != nil {
				t.Fatalf("failed to decode request attributes: %v", err)
			}
			if len(attrs) != 1 {
				t.Fatalf("expected exactly one attribute, got %d", len(attrs))
			}
			if attrs[0].Type != attrMsg {
				t.Errorf("attribute type %d, want %d", attrs[0].Type, attrMsg)
			}
			if want := []byte("/tmp/x\x00"); !bytes.Equal(attrs[0].Data, want) {
				t.Errorf("attribute data %q, want %q", attrs[0].Data, want)
			}
		})
	}
}

func TestExecute_UninstallHasNoPayload(t *testing.T) {
	var got captured
	client := NewClient(nopLogger(), WithDialer(fakeModule(t, 0, &got)))

	if _, err := client.Execute(context.Background(), Request{Command: CommandUninstall}); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got.greq.Header.Command != uint8(CommandUninstall) {
		t.Errorf("opcode %d, want %d", got.greq.Header.Command, CommandUninstall)
	}
	if len(got.greq.Data) != 0 {
		t.Errorf("expected no attributes, got %x", got.greq.Data)
	}
}

func TestExecute_StatusPassthrough(t *testing.T) {
	for _, want := range []int8{0, 1, 2, 3, 5, 127, -1, -128} {
		t.Run(fmt.Sprint(want), func(t *testing.T) {
			var got captured
			client := NewClient(nopLogger(), WithDialer(fakeModule(t, want, &got)))

			status, err := client.Execute(context.Background(), Request{Command: CommandHide, Payload: []byte("/p")})
			if err != nil {
				t.Fatalf("Execute failed: %v", err)
			}
			if status != want {
				t.Errorf("status %d, want %d", status, want)
			}
		})
	}
}

func TestExecute_NoCaching(t *testing.T) {
	var got captured
	dials := 0
	dial := fakeModule(t, 0, &got)
	client := NewClient(nopLogger(), WithDialer(func() (Conn, error) {
		dials++
		return dial()
	}))

	req := Request{Command: CommandHide, Payload: []byte("/tmp/x")}
	for i := 0; i < 2; i++ {
		if _, err := client.Execute(context.Background(), req); err != nil {
			t.Fatalf("Execute %d failed: %v", i, err)
		}
	}
	if got.calls != 2 {
		t.Errorf("expected 2 kernel requests, got %d", got.calls)
	}
	if dials != 2 {
		t.Errorf("expected a fresh socket per request, got %d dials", dials)
	}
}

// fakeConn is a scripted Conn for failure paths.
type fakeConn struct {
	familyErr  error
	sendErr    error
	receiveErr error
	replies    []genetlink.Message
	deadline   time.Time
	sent       int
	closed     bool
}

func (f *fakeConn) GetFamily(name string) (genetlink.Family, error) {
	if f.familyErr != nil {
		return genetlink.Family{}, f.familyErr
	}
	return genetlink.Family{ID: 0x1f, Name: name, Version: 1}, nil
}

func (f *fakeConn) Send(m genetlink.Message, family uint16, flags netlink.HeaderFlags) (netlink.Message, error) {
	f.sent++
	if f.sendErr != nil {
		return netlink.Message{}, f.sendErr
	}
	return netlink.Message{Header: netlink.Header{Type: netlink.HeaderType(family), Flags: flags, Sequence: 1}}, nil
}

func (f *fakeConn) Receive() ([]genetlink.Message, []netlink.Message, error) {
	if f.receiveErr != nil {
		return nil, nil, f.receiveErr
	}
	return f.replies, nil, nil
}

func (f *fakeConn) SetDeadline(t time.Time) error {
	f.deadline = t
	return nil
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func encodeAttrs(t *testing.T, attrs ...netlink.Attribute) []byte {
	t.Helper()
	b, err := netlink.MarshalAttributes(attrs)
	if err != nil {
		t.Fatalf("MarshalAttributes failed: %v", err)
	}
	return b
}

func TestExecute_Failures(t *testing.T) {
	tests := []struct {
		name string
		conn *fakeConn
		req  Request
		kind ErrorKind
	}{
		{
			name: "family not found",
			conn: &fakeConn{familyErr: fmt.Errorf("netlink receive: %w", os.ErrNotExist)},
			kind: KindResolveFamily,
		},
		{
			name: "send failure",
			conn: &fakeConn{sendErr: errors.New("sendmsg: no buffer space available")},
			kind: KindSend,
		},
		{
			name: "receive failure",
			conn: &fakeConn{receiveErr: errors.New("recvmsg: connection refused")},
			kind: KindReceive,
		},
		{
			name: "receive deadline",
			conn: &fakeConn{receiveErr: fmt.Errorf("netlink receive: %w", os.ErrDeadlineExceeded)},
			kind: KindTimeout,
		},
		{
			name: "empty reply",
			conn: &fakeConn{},
			kind: KindEmptyReply,
		},
		{
			name: "missing status attribute",
			conn: &fakeConn{replies: []genetlink.Message{{}}},
			kind: KindMalformedReply,
		},
		{
			name: "status attribute too long",
			conn: &fakeConn{replies: []genetlink.Message{{
				Data: encodeAttrs(t, netlink.Attribute{Type: attrMsg, Data: []byte{1, 2}}),
			}}},
			kind: KindMalformedReply,
		},
		{
			name: "garbage attributes",
			conn: &fakeConn{replies: []genetlink.Message{{Data: []byte{0xff}}}},
			kind: KindMalformedReply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := NewClient(nopLogger(), WithDialer(func() (Conn, error) { return tt.conn, nil }))

			_, err := client.Execute(context.Background(), Request{Command: CommandUnhide, Payload: []byte("/tmp/x")})
			var rpcErr *RPCError
			if !errors.As(err, &rpcErr) {
				t.Fatalf("expected *RPCError, got %v", err)
			}
			if rpcErr.Kind != tt.kind {
				t.Errorf("kind %s, want %s", rpcErr.Kind, tt.kind)
			}
			if rpcErr.Command != CommandUnhide {
				t.Errorf("command %s, want unhide", rpcErr.Command)
			}
			if !tt.conn.closed {
				t.Error("socket was not closed")
			}
		})
	}
}

func TestExecute_ModuleNotLoaded(t *testing.T) {
	conn := &fakeConn{familyErr: os.ErrNotExist}
	client := NewClient(nopLogger(), WithDialer(func() (Conn, error) { return conn, nil }))

	_, err := client.Execute(context.Background(), Request{Command: CommandUninstall})
	if !IsModuleNotLoaded(err) {
		t.Fatalf("expected module-not-loaded error, got %v", err)
	}
	if conn.sent != 0 {
		t.Error("no request should be sent when the family is unknown")
	}
}

func TestExecute_DialFailure(t *testing.T) {
	client := NewClient(nopLogger(), WithDialer(func() (Conn, error) {
		return nil, errors.New("socket: operation not permitted")
	}))

	_, err := client.Execute(context.Background(), Request{Command: CommandHide, Payload: []byte("/x")})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindDial {
		t.Fatalf("expected dial RPCError, got %v", err)
	}
}

func TestExecute_RejectsNULPayload(t *testing.T) {
	dialed := false
	client := NewClient(nopLogger(), WithDialer(func() (Conn, error) {
		dialed = true
		return &fakeConn{}, nil
	}))

	_, err := client.Execute(context.Background(), Request{Command: CommandHide, Payload: []byte("/tmp\x00/x")})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Kind != KindInvalidPayload {
		t.Fatalf("expected invalid payload RPCError, got %v", err)
	}
	if dialed {
		t.Error("no socket should be opened for an invalid payload")
	}
}

func TestExecute_Deadline(t *testing.T) {
	t.Run("client timeout", func(t *testing.T) {
		conn := &fakeConn{receiveErr: io.EOF}
		client := NewClient(nopLogger(),
			WithTimeout(2*time.Second),
			WithDialer(func() (Conn, error) { return conn, nil }),
		)

		before := time.Now()
		_, _ = client.Execute(context.Background(), Request{Command: CommandUninstall})
		if conn.deadline.IsZero() {
			t.Fatal("expected a socket deadline")
		}
		if d := conn.deadline.Sub(before); d < time.Second || d > 3*time.Second {
			t.Errorf("unexpected deadline offset %v", d)
		}
	})

	t.Run("context deadline is earlier", func(t *testing.T) {
		conn := &fakeConn{receiveErr: io.EOF}
		client := NewClient(nopLogger(),
			WithTimeout(time.Hour),
			WithDialer(func() (Conn, error) { return conn, nil }),
		)

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		want, _ := ctx.Deadline()

		_, _ = client.Execute(ctx, Request{Command: CommandUninstall})
		if !conn.deadline.Equal(want) {
			t.Errorf("deadline %v, want %v", conn.deadline, want)
		}
	})

	t.Run("no deadline by default", func(t *testing.T) {
		conn := &fakeConn{receiveErr: io.EOF}
		client := NewClient(nopLogger(), WithDialer(func() (Conn, error) { return conn, nil }))

		_, _ = client.Execute(context.Background(), Request{Command: CommandUninstall})
		if !conn.deadline.IsZero() {
			t.Errorf("unexpected deadline %v", conn.deadline)
		}
	})
}
