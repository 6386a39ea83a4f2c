// Package capture defines the raw capture abstraction: a uniform producer
// contract over the kernel uprobe reader, the TLS MITM proxy, and the file
// replay source. Producers emit RawEvent values tagged with a ConnectionKey;
// everything downstream is producer-agnostic.
package capture

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync/atomic"

	"github.com/google/uuid"
)

// Kind enumerates the raw event kinds a producer can emit.
type Kind string

const (
	KindSslRead     Kind = "ssl_read"
	KindSslWrite    Kind = "ssl_write"
	KindProcessExec Kind = "process_exec"
	KindProcessExit Kind = "process_exit"
	KindFileOpen    Kind = "file_open"
	KindNetConnect  Kind = "net_connect"
)

// MaxChunk is the per-event payload cap. Larger reads/writes arrive as
// multiple events in order, or truncated with OrigLen recording the
// original length.
const MaxChunk = 16384

// ConnectionKey identifies one logical client<->server TLS session.
type ConnectionKey struct {
	PID int `json:"pid"`
	TID int `json:"tid"`
	FD  int `json:"fd"`
}

func (k ConnectionKey) String() string {
	return fmt.Sprintf("%d/%d/%d", k.PID, k.TID, k.FD)
}

// Metadata carries optional producer-supplied context.
type Metadata struct {
	Exe      string `json:"exe,omitempty"`
	PPID     int    `json:"ppid,omitempty"`
	PeerAddr string `json:"peer_addr,omitempty"`
	Host     string `json:"host,omitempty"` // SNI/CONNECT host when the producer knows it
}

// RawEvent is the uniform envelope all producers emit. Immutable after
// emission; ownership transfers to the pipeline.
type RawEvent struct {
	ID          string   `json:"id"`
	TimestampNS int64    `json:"timestamp_ns"`
	Kind        Kind     `json:"kind"`
	PID         int      `json:"pid"`
	TID         int      `json:"tid"`
	UID         int      `json:"uid"`
	Comm        string   `json:"comm"`
	FD          int      `json:"fd"`
	Data        []byte   `json:"data,omitempty"`
	Truncated   bool     `json:"truncated,omitempty"`
	OrigLen     int      `json:"orig_len,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// Key returns the event's ConnectionKey.
func (e *RawEvent) Key() ConnectionKey {
	return ConnectionKey{PID: e.PID, TID: e.TID, FD: e.FD}
}

// Stats is the producer counter contract.
type Stats struct {
	Events  uint64
	Bytes   uint64
	Dropped uint64
}

// Producer is the uniform capture contract. Start returns the event stream;
// the channel closes when the producer dies or Stop is called. Emission
// ordering per ConnectionKey is preserved; global ordering is not.
type Producer interface {
	Start(ctx context.Context) (<-chan *RawEvent, error)
	Stop()
	Stats() Stats
}

// counters is the shared atomic stats block embedded by each producer.
type counters struct {
	events  atomic.Uint64
	bytes   atomic.Uint64
	dropped atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Events:  c.events.Load(),
		Bytes:   c.bytes.Load(),
		Dropped: c.dropped.Load(),
	}
}

func (c *counters) count(e *RawEvent) {
	c.events.Add(1)
	c.bytes.Add(uint64(len(e.Data)))
}

// newEventID mints a fresh producer-local event id.
func newEventID() string {
	return uuid.New().String()
}

// SynthesizeFD derives a stable fd substitute from connection addresses for
// producers that cannot observe the real descriptor. Uniqueness holds within
// a host as long as the (local, remote) address pair does.
func SynthesizeFD(localAddr, remoteAddr string) int {
	h := fnv.New32a()
	h.Write([]byte(localAddr))
	h.Write([]byte{0})
	h.Write([]byte(remoteAddr))
	// Keep it positive and clear of the low real-fd range.
	return int(h.Sum32()&0x7fffffff) | 0x10000
}
