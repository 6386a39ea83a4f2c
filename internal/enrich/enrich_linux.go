//go:build linux

package enrich

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/oximy/oisp/internal/envelope"
)

// readProcessTable reads /proc/<pid> for exe, cmdline, ppid, uid, and comm.
func readProcessTable(pid int) (*envelope.Process, error) {
	base := "/proc/" + strconv.Itoa(pid)
	if _, err := os.Stat(base); err != nil {
		return nil, fmt.Errorf("pid %d: %w", pid, err)
	}

	proc := &envelope.Process{PID: pid}

	if exe, err := os.Readlink(base + "/exe"); err == nil {
		proc.Exe = exe
	}
	if raw, err := os.ReadFile(base + "/cmdline"); err == nil {
		proc.Cmdline = strings.TrimRight(strings.ReplaceAll(string(raw), "\x00", " "), " ")
	}
	if raw, err := os.ReadFile(base + "/comm"); err == nil {
		proc.Comm = strings.TrimSpace(string(raw))
	}

	if raw, err := os.ReadFile(base + "/status"); err == nil {
		for _, line := range strings.Split(string(raw), "\n") {
			switch {
			case strings.HasPrefix(line, "PPid:"):
				if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "PPid:"))); err == nil {
					proc.PPID = n
				}
			case strings.HasPrefix(line, "Uid:"):
				fields := strings.Fields(strings.TrimPrefix(line, "Uid:"))
				if len(fields) > 0 {
					if n, err := strconv.Atoi(fields[0]); err == nil {
						proc.UID = n
						proc.User = userName(n)
					}
				}
			}
		}
	}

	return proc, nil
}
