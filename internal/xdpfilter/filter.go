// Package xdpfilter implements the packet-filter fast path: parse
// Ethernet/IPv4/TCP, consult the blocklist, and for bare SYNs reflect a
// forged SYN-ACK carrying a stateless cookie. In a real deployment this
// runs as an eBPF/XDP program in driver context; here it is the same
// decision function exercised directly against raw frame bytes, so it
// can be unit tested without a kernel attach.
package xdpfilter

import (
	"encoding/binary"

	"secbeat/internal/dynamicrules"
	"secbeat/internal/wire"
)

// Verdict is the fast path's decision for one frame.
type Verdict int

const (
	Pass Verdict = iota
	Drop
	TX
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case Drop:
		return "drop"
	case TX:
		return "tx"
	default:
		return "unknown"
	}
}

// Filter holds the immutable cookie parameters and the shared blocklist
// handle consulted on every packet.
type Filter struct {
	blocklist dynamicrules.BlocklistControl
	cookie    wire.CookieParams
	stats     *Stats
}

// New constructs a Filter. blocklist and stats must not be nil.
func New(blocklist dynamicrules.BlocklistControl, cookie wire.CookieParams, stats *Stats) *Filter {
	return &Filter{blocklist: blocklist, cookie: cookie, stats: stats}
}

// Decide runs the full algorithm from §4.1 over one Ethernet frame. cpu
// identifies the calling goroutine's logical CPU slot for stats
// attribution. On TX it returns the rewritten frame ready to transmit;
// callers must not reuse frame concurrently since TX rewrites in place.
func (f *Filter) Decide(cpu int, frame []byte) (Verdict, []byte) {
	eth, ok := parseEthernet(frame)
	if !ok {
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}
	if eth.EtherType != etherTypeIPv4 {
		// IPv6 and anything else: pass unmodified, out of scope.
		f.stats.RecordPass(cpu)
		return Pass, nil
	}

	ipPayload := frame[ethernetHeaderLen:]
	ip, ok := parseIPv4(ipPayload)
	if !ok || ip.Version != 4 || ip.IHL < 5 {
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}
	if ip.IHL != 5 {
		// IP options present: simplifies offsets to reject rather than parse.
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}
	if ip.IsFragment() {
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}
	if ip.IsMulticastOrBroadcast() {
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}

	srcIP := ipv4String(ip.SrcIP)

	if ip.Protocol != protocolTCP {
		if f.blocklist.Contains(srcIP) {
			f.stats.RecordDrop(cpu)
			return Drop, nil
		}
		f.stats.RecordPass(cpu)
		return Pass, nil
	}

	tcpPayload := ipPayload[int(ip.IHL)*4:]
	tcp, ok := parseTCP(tcpPayload)
	if !ok {
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}

	if f.blocklist.Contains(srcIP) {
		f.stats.RecordDrop(cpu)
		return Drop, nil
	}

	switch {
	case tcp.Flags.SYN() && !tcp.Flags.ACK():
		out := f.reflectSYNACK(frame, eth, ip, tcp)
		f.stats.RecordPass(cpu) // a TX'd SYN-ACK is not itself a drop; treated as a handled pass
		return TX, out
	case tcp.Flags.ACK() && !tcp.Flags.SYN():
		f.stats.RecordPass(cpu)
		return Pass, nil
	default:
		f.stats.RecordPass(cpu)
		return Pass, nil
	}
}

// InspectACK extracts the flow tuple and sequence numbers a capture loop
// needs to validate a returning handshake ACK against the cookie
// algorithm. ok is false for anything that isn't a pure ACK (no SYN)
// TCP/IPv4 frame — SYNs are handled by Decide's TX path instead.
// clientSeqBase recovers the client's original ISN from the ACK's own
// sequence number (seq == ISN+1 for the first post-handshake ACK),
// mirroring the ack=client_seq+1 written by reflectSYNACK.
func (f *Filter) InspectACK(frame []byte) (tuple wire.FourTuple, clientSeqBase uint32, ackSeq uint32, ok bool) {
	eth, good := parseEthernet(frame)
	if !good || eth.EtherType != etherTypeIPv4 {
		return wire.FourTuple{}, 0, 0, false
	}
	ipPayload := frame[ethernetHeaderLen:]
	ip, good := parseIPv4(ipPayload)
	if !good || ip.Version != 4 || ip.IHL != 5 || ip.Protocol != protocolTCP {
		return wire.FourTuple{}, 0, 0, false
	}
	tcpPayload := ipPayload[int(ip.IHL)*4:]
	tcp, good := parseTCP(tcpPayload)
	if !good || !tcp.Flags.ACK() || tcp.Flags.SYN() {
		return wire.FourTuple{}, 0, 0, false
	}
	tuple = wire.FourTuple{SrcIP: ip.SrcIP, DstIP: ip.DstIP, SrcPort: tcp.SrcPort, DstPort: tcp.DstPort}
	return tuple, tcp.SeqNum - 1, tcp.AckNum, true
}

func ipv4String(b [4]byte) string {
	return itoa(int(b[0])) + "." + itoa(int(b[1])) + "." + itoa(int(b[2])) + "." + itoa(int(b[3]))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf [3]byte
	i := 3
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// reflectSYNACK builds the forged SYN-ACK frame in place: swap MACs,
// swap IPs, swap ports, set seq=cookie, ack=client_seq+1, recompute both
// checksums. The frame slice is mutated and returned.
func (f *Filter) reflectSYNACK(frame []byte, eth EthernetHeader, ip IPv4Header, tcp TCPHeader) []byte {
	tuple := wire.FourTuple{SrcIP: ip.SrcIP, DstIP: ip.DstIP, SrcPort: tcp.SrcPort, DstPort: tcp.DstPort}
	cookie := wire.GenCookie(tuple, tcp.SeqNum, f.cookie.Secret)

	// Ethernet: swap MACs.
	copy(frame[0:6], eth.SrcMAC[:])
	copy(frame[6:12], eth.DstMAC[:])

	ipStart := ethernetHeaderLen
	tcpStart := ipStart + minIPv4HeaderLen

	// IPv4: swap addresses, set TTL=64, zero then recompute checksum.
	copy(frame[ipStart+12:ipStart+16], ip.DstIP[:])
	copy(frame[ipStart+16:ipStart+20], ip.SrcIP[:])
	frame[ipStart+8] = 64 // TTL
	frame[ipStart+10] = 0
	frame[ipStart+11] = 0
	ipHeader := frame[ipStart : ipStart+minIPv4HeaderLen]
	ipChecksum := wire.InternetChecksum(ipHeader)
	binary.BigEndian.PutUint16(frame[ipStart+10:ipStart+12], ipChecksum)

	// TCP: swap ports, set seq/ack/flags/window, zero then recompute checksum.
	tcpSegment := frame[tcpStart : tcpStart+minTCPHeaderLen]
	binary.BigEndian.PutUint16(tcpSegment[0:2], tcp.DstPort)
	binary.BigEndian.PutUint16(tcpSegment[2:4], tcp.SrcPort)
	binary.BigEndian.PutUint32(tcpSegment[4:8], cookie)
	binary.BigEndian.PutUint32(tcpSegment[8:12], tcp.SeqNum+1)
	tcpSegment[13] = byte(0x10 | 0x02) // ACK|SYN
	binary.BigEndian.PutUint16(tcpSegment[14:16], f.cookie.Window)
	tcpSegment[16] = 0
	tcpSegment[17] = 0

	tcpChecksum := wire.TCPChecksum(ip.DstIP, ip.SrcIP, tcpSegment)
	binary.BigEndian.PutUint16(tcpSegment[16:18], tcpChecksum)

	return frame
}
