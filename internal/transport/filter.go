package transport

import (
	"encoding/binary"
	"fmt"
	"net"

	"golang.org/x/net/bpf"
)

const (
	snapLen     = 0x40000
	etherTypeV4 = 0x0800
	// EthernetOffset is the IPv4 header offset inside an untagged Ethernet frame.
	EthernetOffset = 14
)

// SourceFilter returns a classic BPF program accepting IPv4/TCP datagrams
// whose source address is target. linkOffset is where the IPv4 header starts
// in the captured buffer: 0 for raw IP sockets, EthernetOffset for AF_PACKET.
func SourceFilter(target net.IP, linkOffset uint32) ([]bpf.Instruction, error) {
	v4 := target.To4()
	if v4 == nil {
		return nil, fmt.Errorf("transport: filter target %v is not IPv4", target)
	}
	addr := binary.BigEndian.Uint32(v4)

	var prog []bpf.Instruction
	if linkOffset == EthernetOffset {
		prog = append(prog,
			bpf.LoadAbsolute{Off: 12, Size: 2},
			bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: etherTypeV4, SkipTrue: 5},
		)
	}
	prog = append(prog,
		bpf.LoadAbsolute{Off: linkOffset + 9, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: 6, SkipTrue: 3},
		bpf.LoadAbsolute{Off: linkOffset + 12, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: addr, SkipTrue: 1},
		bpf.RetConstant{Val: snapLen},
		bpf.RetConstant{Val: 0},
	)
	return prog, nil
}

// assembleFilter assembles SourceFilter into raw instructions for
// SO_ATTACH_FILTER or TPacket.SetBPF.
func assembleFilter(target net.IP, linkOffset uint32) ([]bpf.RawInstruction, error) {
	prog, err := SourceFilter(target, linkOffset)
	if err != nil {
		return nil, err
	}
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, fmt.Errorf("transport: assemble filter: %w", err)
	}
	return raw, nil
}

// pcapFilter is the libpcap expression equivalent to SourceFilter.
func pcapFilter(target net.IP) string {
	return "ip and tcp and src host " + target.String()
}
