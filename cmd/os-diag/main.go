package main

import (
	"flag"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"

	"rs_osprobe/internal/netinfo"
	"rs_osprobe/internal/osfp"
	"rs_osprobe/internal/packet"
	"rs_osprobe/internal/probe"
	"rs_osprobe/internal/transport"
)

func main() {
	iface := flag.String("i", "", "Interface")
	sport := flag.Int("sport", 40000, "Source port of the first probe")
	dport := flag.Int("p", 80, "Destination port")
	flag.Parse()
	if flag.NArg() != 1 || *sport < 1 || *sport > 65535-probe.BatterySize-probe.SequenceSize+1 || *dport < 1 || *dport > 65535 {
		fmt.Fprintf(os.Stderr, "usage: os-diag [-i iface] [-sport N] [-p N] <target>\n")
		os.Exit(2)
	}
	targetStr := flag.Arg(0)

	fmt.Println("=== Target Parsing ===")
	target, err := netip.ParseAddr(targetStr)
	fmt.Printf("netip.ParseAddr(%q) = %v (err=%v)\n", targetStr, target, err)
	if err != nil || !target.Is4() {
		fmt.Println("ERROR: an IPv4 address is required")
		os.Exit(1)
	}

	fmt.Println("\n=== netinfo.Lookup ===")
	route, err := netinfo.Lookup(target, *iface)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Interface:  %s\n", route.Interface)
	fmt.Printf("Source:     %v\n", route.Source)
	fmt.Printf("Gateway:    %v (on-link=%v)\n", route.Gateway, !route.Gateway.IsValid())

	src := net.IP(route.Source.AsSlice())
	dst := net.IP(target.AsSlice())

	fmt.Println("\n=== Probe Battery ===")
	b := packet.NewBuilder()
	for _, p := range probe.GenerateWithSequence(src, dst, uint16(*sport), uint16(*dport)) {
		raw, err := b.Encode(p)
		size := fmt.Sprintf("%d bytes", len(raw))
		if err != nil {
			size = "ERROR: " + err.Error()
		}
		opts := osfp.OptionString(p.Options)
		if opts == "" {
			opts = "-"
		}
		fmt.Printf("  %-3s sport=%d flags=%-8s win=%-5d seq=%08x opts=%-16s %s\n",
			p.Name, p.SourcePort, p.Flags, p.Window, p.Seq, opts, size)
	}

	fmt.Println("\n=== Capture Filter (raw socket) ===")
	prog, err := transport.SourceFilter(dst, 0)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
	}
	for i, ins := range prog {
		fmt.Printf("  %02d %s\n", i, ins)
	}

	name := route.Interface
	if *iface != "" {
		name = *iface
	}
	ifc, _ := net.InterfaceByName(name)
	if ifc != nil {
		fmt.Printf("\n=== Interface Details ===\n")
		fmt.Printf("Name:         %s\n", ifc.Name)
		fmt.Printf("MTU:          %d\n", ifc.MTU)
		fmt.Printf("Flags:        %v\n", ifc.Flags)
		fmt.Printf("HardwareAddr: %v (len=%d)\n", ifc.HardwareAddr, len(ifc.HardwareAddr))
		if addrs, err := ifc.Addrs(); err == nil {
			var list []string
			for _, a := range addrs {
				list = append(list, a.String())
			}
			fmt.Printf("Addrs:        %s\n", strings.Join(list, ", "))
		}
	}
}
