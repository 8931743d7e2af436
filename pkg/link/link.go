// Package link defines the mesh link driver contract consumed by the
// sender and receiver engines (spec.md §6, "Link driver contract").
package link

import (
	"context"
	"errors"
)

// DefaultPort is the single port shared by data chunks and control strings.
const DefaultPort = 256

// AckResult is the outcome of a Send requesting a link-layer acknowledgement.
type AckResult int

const (
	AckOk AckResult = iota
	AckTimeout
)

// ErrLinkError is wrapped by driver implementations to report a recoverable
// per-send failure (spec.md §7 LinkError).
var ErrLinkError = errors.New("link: send failed")

// ErrFatalSession is wrapped to report a non-recoverable link-session loss
// (spec.md §7: "unless the link driver reports a fatal-session error").
var ErrFatalSession = errors.New("link: fatal session error")

// ErrLinkBusy reports an attempt to open an already-owned link session
// (spec.md §5 "single-writer resource"). No driver in this module returns
// it: serial.Open wraps and returns the serial library's own open error.
var ErrLinkBusy = errors.New("link: device already owned by another session")

// Peer identifies a remote node address on the mesh.
type Peer string

// Driver is the external mesh-link collaborator. Implementations:
// pkg/link/serial (real USB-serial radio) and pkg/link/simulated (in-memory,
// for tests).
type Driver interface {
	// Send transmits payload to peer on port, optionally requesting a
	// link-layer acknowledgement. It blocks until the driver resolves the
	// ack (or immediately, if wantAck is false).
	Send(ctx context.Context, peer Peer, port int, payload []byte, wantAck bool) (AckResult, error)

	// Subscribe registers handler for all frames arriving on port. The
	// returned function unsubscribes the handler.
	Subscribe(port int, handler func(peer Peer, payload []byte)) (unsubscribe func())

	// Close releases the underlying link session.
	Close() error
}

// Pausable is implemented by drivers that support quiescing the link for a
// child process hand-off (spec.md §9 "pause_link()/resume_link()").
type Pausable interface {
	Pause() error
	Resume() error
}
