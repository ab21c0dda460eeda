// collector-ctl sends a single command to a running collector agent and prints
// the result. It exits 0 when the agent answers OK and 1 otherwise.
//
//	collector-ctl -p 7000 -c hide -t /opt/secret
//	collector-ctl -a 10.0.0.5 -p 7000 -c uninstall
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/doughall/collector/internal/ctl"
	"github.com/doughall/collector/internal/version"
	"github.com/doughall/collector/internal/wire"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	flags := pflag.NewFlagSet("collector-ctl", pflag.ContinueOnError)
	address := flags.StringP("address", "a", "localhost", "agent address")
	port := flags.IntP("port", "p", 0, "agent port")
	command := flags.StringP("command", "c", "", "command to send: hide, unhide or uninstall")
	target := flags.StringP("target-path", "t", "", "path to hide or unhide")
	timeout := flags.Duration("timeout", 30*time.Second, "overall request timeout")
	showVersion := flags.Bool("version", false, "print version information and exit")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Println(version.Info("collector-ctl"))
		return 0
	}

	cmd, err := buildCommand(*command, *target)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 2
	}
	if *port < 1 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "ERROR: --port must be between 1 and 65535")
		return 2
	}

	addr := net.JoinHostPort(*address, strconv.Itoa(*port))
	fmt.Printf("Send command: %s to %s\n", cmd.Type, addr)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	resp, err := ctl.Send(ctx, addr, cmd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}

	fmt.Printf("Response: %s\n", resp.Result)
	if resp.Result != wire.ResultOK {
		return 1
	}
	return 0
}

// buildCommand validates the flag combination before anything is sent.
func buildCommand(name, path string) (wire.Command, error) {
	if name == "" {
		return wire.Command{}, errors.New("--command is required")
	}
	t, err := wire.ParseCommandType(name)
	if err != nil {
		return wire.Command{}, err
	}
	cmd := wire.Command{Type: t}
	if t.NeedsPath() {
		if path == "" {
			return wire.Command{}, fmt.Errorf("--target-path is required for %s", name)
		}
		cmd.Path = path
	}
	return cmd, cmd.Validate()
}
