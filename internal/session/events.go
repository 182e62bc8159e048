package session

import (
	"net"
	"time"

	"rs_osprobe/internal/tcpip"
)

type EventKind int

const (
	EventProbeSent EventKind = iota
	EventReply
	EventDecodeError
	EventCorrelationMiss
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventProbeSent:
		return "sent"
	case EventReply:
		return "reply"
	case EventDecodeError:
		return "decode-error"
	case EventCorrelationMiss:
		return "correlation-miss"
	case EventCompleted:
		return "completed"
	}
	return "unknown"
}

// Event is a progress notification. Delivery is best effort: a full
// channel drops the event rather than stalling collection.
type Event struct {
	Kind    EventKind
	Target  net.IP
	Ordinal int
	Probe   string
	Flags   tcpip.Flags
	TTL     uint8
	At      time.Time
	Err     error
}
