//go:build !linux

package enrich

import (
	"fmt"

	"github.com/oximy/oisp/internal/envelope"
)

// readProcessTable is a stub on platforms without /proc; the producer's own
// metadata (comm, exe) is all the context events get.
func readProcessTable(pid int) (*envelope.Process, error) {
	return nil, fmt.Errorf("process table lookup not supported on this platform (pid %d)", pid)
}
