package matrix

import "time"

// EventType names one stage of a cell's server lifecycle.
type EventType string

const (
	// EventStarted: the server process is running.
	EventStarted EventType = "started"
	// EventHandshakeRead: a valid handshake line was read from it.
	EventHandshakeRead EventType = "handshake_read"
	// EventReady: trust material is in place and scenarios may run.
	EventReady EventType = "ready"
	// EventExited: the process is gone. Code carries its exit status,
	// -1 when it never ran to a normal exit.
	EventExited EventType = "exited"
)

// Event is one entry in a run's lifecycle stream. Events from concurrent
// cells interleave; CellID ties a cell's events back together.
type Event struct {
	Type     EventType
	CellID   string
	Server   string
	Endpoint string
	Code     int
	At       time.Time
}
