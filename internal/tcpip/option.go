package tcpip

import (
	"encoding/binary"
	"fmt"
)

// OptionKind is the raw TCP option kind byte.
type OptionKind uint8

const (
	OptEOL           OptionKind = 0
	OptNOP           OptionKind = 1
	OptMSS           OptionKind = 2
	OptWScale        OptionKind = 3
	OptSACKPermitted OptionKind = 4
	OptSACK          OptionKind = 5
	OptTimestamp     OptionKind = 8
)

// Known reports whether k is one of the kinds above. Anything else is
// carried through as an unknown option with its code intact.
func (k OptionKind) Known() bool {
	switch k {
	case OptEOL, OptNOP, OptMSS, OptWScale, OptSACKPermitted, OptSACK, OptTimestamp:
		return true
	}
	return false
}

// Name returns the option name used by the layout signatures
// ("MSS", "NOP", "WSCALE", "SACKOK", "SACK", "Timestamps", "EOL").
// Unknown kinds render as "UNKNOWN(<code>)".
func (k OptionKind) Name() string {
	switch k {
	case OptEOL:
		return "EOL"
	case OptNOP:
		return "NOP"
	case OptMSS:
		return "MSS"
	case OptWScale:
		return "WSCALE"
	case OptSACKPermitted:
		return "SACKOK"
	case OptSACK:
		return "SACK"
	case OptTimestamp:
		return "Timestamps"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(k))
	}
}

// Option is one TCP option as it appears on the wire. Data excludes the
// kind and length bytes. Slices of Option keep wire order.
type Option struct {
	Kind OptionKind
	Data []byte
}

func NOP() Option { return Option{Kind: OptNOP} }
func EOL() Option { return Option{Kind: OptEOL} }

func MSS(v uint16) Option {
	d := make([]byte, 2)
	binary.BigEndian.PutUint16(d, v)
	return Option{Kind: OptMSS, Data: d}
}

func WScale(shift uint8) Option {
	return Option{Kind: OptWScale, Data: []byte{shift}}
}

func SACKPermitted() Option { return Option{Kind: OptSACKPermitted} }

// Timestamp builds a timestamps option with the given TSval and TSecr.
func Timestamp(tsval, tsecr uint32) Option {
	d := make([]byte, 8)
	binary.BigEndian.PutUint32(d[0:4], tsval)
	binary.BigEndian.PutUint32(d[4:8], tsecr)
	return Option{Kind: OptTimestamp, Data: d}
}

// Names maps an option list to layout names, preserving order.
func Names(opts []Option) []string {
	out := make([]string, len(opts))
	for i, o := range opts {
		out[i] = o.Kind.Name()
	}
	return out
}
