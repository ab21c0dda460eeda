// Package sysinfo collects host details logged at agent startup.
//
// The collector module is built against a specific kernel, so the kernel
// release and whether the module is currently loaded are the first things
// an operator needs when commands fail with communication errors.
package sysinfo

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
)

// ProcModules lists the modules loaded in the running kernel.
const ProcModules = "/proc/modules"

// SystemInfo contains static host information.
type SystemInfo struct {
	Hostname        string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	KernelArch      string
	Arch            string
	BootTime        uint64
}

// Collect gathers host information via gopsutil.
func Collect(ctx context.Context) (*SystemInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect host info: %w", err)
	}
	return &SystemInfo{
		Hostname:        info.Hostname,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		KernelArch:      info.KernelArch,
		Arch:            runtime.GOARCH,
		BootTime:        info.BootTime,
	}, nil
}

// LogAttrs returns the info as slog attributes.
func (s *SystemInfo) LogAttrs() []any {
	return []any{
		slog.String("hostname", s.Hostname),
		slog.String("platform", s.Platform),
		slog.String("platform_version", s.PlatformVersion),
		slog.String("kernel", s.KernelVersion),
		slog.String("kernel_arch", s.KernelArch),
		slog.String("arch", s.Arch),
	}
}

// ModuleLoaded reports whether the named module appears in /proc/modules.
func ModuleLoaded(name string) (bool, error) {
	f, err := os.Open(ProcModules)
	if err != nil {
		return false, err
	}
	defer f.Close()
	return moduleListed(f, name)
}

// moduleListed scans a /proc/modules formatted listing for name.
func moduleListed(r io.Reader, name string) (bool, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) > 0 && fields[0] == name {
			return true, nil
		}
	}
	return false, scanner.Err()
}
