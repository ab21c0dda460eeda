package wire

import (
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxMessageSize caps how many bytes are read for a single message.
const MaxMessageSize = 64 * 1024

// Field numbers from the commands.proto and response.proto schemas.
const (
	fieldCommandType protowire.Number = 1
	fieldPath        protowire.Number = 2
	fieldResult      protowire.Number = 1
)

var (
	// ErrInvalidCommand marks a Command that violates the protocol.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrInvalidResponse marks a Response that violates the protocol.
	ErrInvalidResponse = errors.New("invalid response")

	// ErrMessageTooLarge is returned when a peer sends more than MaxMessageSize bytes.
	ErrMessageTooLarge = errors.New("message too large")
)

// MarshalCommand encodes c. The path field is written only for non-empty paths.
func MarshalCommand(c Command) ([]byte, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldCommandType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(c.Type)))
	if c.Path != "" {
		b = protowire.AppendTag(b, fieldPath, protowire.BytesType)
		b = protowire.AppendString(b, c.Path)
	}
	return b, nil
}

// UnmarshalCommand decodes and validates a Command. Unknown fields are skipped.
func UnmarshalCommand(b []byte) (Command, error) {
	var (
		cmd     Command
		hasType bool
		hasPath bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == fieldCommandType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: command_type: %v", ErrInvalidCommand, protowire.ParseError(n))
			}
			b = b[n:]
			t := CommandType(int32(v))
			if !t.Valid() {
				return Command{}, fmt.Errorf("%w: unknown command type %d", ErrInvalidCommand, int32(v))
			}
			cmd.Type = t
			hasType = true
		case num == fieldPath && typ == protowire.BytesType:
			s, n := protowire.ConsumeString(b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: path: %v", ErrInvalidCommand, protowire.ParseError(n))
			}
			b = b[n:]
			if !utf8.ValidString(s) {
				return Command{}, fmt.Errorf("%w: path is not valid UTF-8", ErrInvalidCommand)
			}
			cmd.Path = s
			hasPath = true
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Command{}, fmt.Errorf("%w: field %d: %v", ErrInvalidCommand, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if !hasType {
		return Command{}, fmt.Errorf("%w: missing command_type", ErrInvalidCommand)
	}
	if hasPath && !cmd.Type.NeedsPath() {
		return Command{}, fmt.Errorf("%w: %s must not carry a path", ErrInvalidCommand, cmd.Type)
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// MarshalResponse encodes r.
func MarshalResponse(r Response) ([]byte, error) {
	if !r.Result.Valid() {
		return nil, fmt.Errorf("%w: unknown result %d", ErrInvalidResponse, int32(r.Result))
	}
	var b []byte
	b = protowire.AppendTag(b, fieldResult, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(int64(r.Result)))
	return b, nil
}

// UnmarshalResponse decodes and validates a Response.
func UnmarshalResponse(b []byte) (Response, error) {
	var (
		resp      Response
		hasResult bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Response{}, fmt.Errorf("%w: %v", ErrInvalidResponse, protowire.ParseError(n))
		}
		b = b[n:]

		if num == fieldResult && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Response{}, fmt.Errorf("%w: result: %v", ErrInvalidResponse, protowire.ParseError(n))
			}
			b = b[n:]
			r := Result(int32(v))
			if !r.Valid() {
				return Response{}, fmt.Errorf("%w: unknown result %d", ErrInvalidResponse, int32(v))
			}
			resp.Result = r
			hasResult = true
			continue
		}

		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return Response{}, fmt.Errorf("%w: field %d: %v", ErrInvalidResponse, num, protowire.ParseError(n))
		}
		b = b[n:]
	}

	if !hasResult {
		return Response{}, fmt.Errorf("%w: missing result", ErrInvalidResponse)
	}
	return resp, nil
}

// readMessage reads r until EOF, failing if more than MaxMessageSize bytes arrive.
func readMessage(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, MaxMessageSize+1))
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	return b, nil
}

// ReadCommand reads one Command from r. It blocks until the peer half-closes.
func ReadCommand(r io.Reader) (Command, error) {
	b, err := readMessage(r)
	if err != nil {
		return Command{}, fmt.Errorf("read command: %w", err)
	}
	return UnmarshalCommand(b)
}

// WriteCommand encodes c to w. The caller half-closes the stream afterwards.
func WriteCommand(w io.Writer, c Command) error {
	b, err := MarshalCommand(c)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// ReadResponse reads one Response from r. It blocks until the peer half-closes.
func ReadResponse(r io.Reader) (Response, error) {
	b, err := readMessage(r)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}
	return UnmarshalResponse(b)
}

// WriteResponse encodes resp to w. The caller half-closes the stream afterwards.
func WriteResponse(w io.Writer, resp Response) error {
	b, err := MarshalResponse(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
