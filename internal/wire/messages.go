// Package wire implements the collector's TCP message codec.
//
// Messages use the protobuf (proto2) binary encoding without a length prefix.
// Each stream direction carries exactly one message and the sender signals the
// end of the message by half-closing its side of the connection:
//
//	client: WriteCommand, CloseWrite, ReadResponse
//	agent:  ReadCommand, WriteResponse, CloseWrite
package wire

import (
	"fmt"
	"strings"
)

// CommandType identifies the operation a client requests.
type CommandType int32

const (
	CommandHide      CommandType = 0
	CommandUnhide    CommandType = 1
	CommandUninstall CommandType = 2
)

var commandNames = map[CommandType]string{
	CommandHide:      "HIDE",
	CommandUnhide:    "UNHIDE",
	CommandUninstall: "UNINSTALL",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	return fmt.Sprintf("CommandType(%d)", int32(t))
}

// Valid reports whether t is a known command type.
func (t CommandType) Valid() bool {
	_, ok := commandNames[t]
	return ok
}

// NeedsPath reports whether commands of this type must carry a path.
func (t CommandType) NeedsPath() bool {
	return t == CommandHide || t == CommandUnhide
}

// ParseCommandType maps a case-insensitive name ("hide", "unhide", "uninstall")
// to its CommandType.
func ParseCommandType(name string) (CommandType, error) {
	for t, n := range commandNames {
		if strings.EqualFold(n, strings.TrimSpace(name)) {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown command %q (valid: hide, unhide, uninstall)", name)
}

// Command is a client request decoded from the wire.
// Path is set for HIDE and UNHIDE and empty for UNINSTALL.
type Command struct {
	Type CommandType
	Path string
}

// Validate checks the path presence rules for the command type.
func (c Command) Validate() error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: unknown command type %d", ErrInvalidCommand, int32(c.Type))
	}
	if c.Type.NeedsPath() && c.Path == "" {
		return fmt.Errorf("%w: %s requires a path", ErrInvalidCommand, c.Type)
	}
	if !c.Type.NeedsPath() && c.Path != "" {
		return fmt.Errorf("%w: %s must not carry a path", ErrInvalidCommand, c.Type)
	}
	return nil
}

// Result is the client-visible outcome of a command.
type Result int32

const (
	ResultOK                       Result = 0
	ResultErrorModuleSystem        Result = 1
	ResultErrorModuleNoPath        Result = 2
	ResultErrorModuleCommunication Result = 3
)

var resultNames = map[Result]string{
	ResultOK:                       "OK",
	ResultErrorModuleSystem:        "ERROR_MODULE_SYSTEM",
	ResultErrorModuleNoPath:        "ERROR_MODULE_NO_PATH",
	ResultErrorModuleCommunication: "ERROR_MODULE_COMMUNICATION",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Result(%d)", int32(r))
}

// Valid reports whether r is a known result code.
func (r Result) Valid() bool {
	_, ok := resultNames[r]
	return ok
}

// Response is the agent's single reply to a Command.
type Response struct {
	Result Result
}
