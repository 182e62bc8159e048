package osfp

import (
	"encoding/binary"
	"strconv"
	"strings"

	"rs_osprobe/internal/tcpip"
)

// OptionString encodes options in wire order, one token per option:
// L (EOL), N (NOP), M<mss>, W<shift>, S (SACK permitted), K (SACK),
// T<tsval!=0><tsecr!=0>, U<kind>. Numbers are uppercase hex without
// leading zeros. A value-bearing option with truncated data keeps its
// letter and drops the value.
func OptionString(opts []tcpip.Option) string {
	var b strings.Builder
	for _, o := range opts {
		switch o.Kind {
		case tcpip.OptEOL:
			b.WriteByte('L')
		case tcpip.OptNOP:
			b.WriteByte('N')
		case tcpip.OptMSS:
			b.WriteByte('M')
			if len(o.Data) >= 2 {
				b.WriteString(hex(uint64(binary.BigEndian.Uint16(o.Data))))
			}
		case tcpip.OptWScale:
			b.WriteByte('W')
			if len(o.Data) >= 1 {
				b.WriteString(hex(uint64(o.Data[0])))
			}
		case tcpip.OptSACKPermitted:
			b.WriteByte('S')
		case tcpip.OptSACK:
			b.WriteByte('K')
		case tcpip.OptTimestamp:
			b.WriteByte('T')
			if len(o.Data) >= 8 {
				b.WriteByte(bit(binary.BigEndian.Uint32(o.Data[0:4]) != 0))
				b.WriteByte(bit(binary.BigEndian.Uint32(o.Data[4:8]) != 0))
			}
		default:
			b.WriteByte('U')
			b.WriteString(hex(uint64(o.Kind)))
		}
	}
	return b.String()
}

func hex(v uint64) string {
	return strings.ToUpper(strconv.FormatUint(v, 16))
}

func bit(v bool) byte {
	if v {
		return '1'
	}
	return '0'
}
