package xdpfilter

import "encoding/binary"

const (
	ethernetHeaderLen = 14
	etherTypeIPv4      = 0x0800
	minIPv4HeaderLen   = 20
	minTCPHeaderLen    = 20

	protocolTCP = 6
)

// EthernetHeader is the 14-byte Ethernet II header.
type EthernetHeader struct {
	DstMAC    [6]byte
	SrcMAC    [6]byte
	EtherType uint16
}

func parseEthernet(frame []byte) (EthernetHeader, bool) {
	if len(frame) < ethernetHeaderLen {
		return EthernetHeader{}, false
	}
	var h EthernetHeader
	copy(h.DstMAC[:], frame[0:6])
	copy(h.SrcMAC[:], frame[6:12])
	h.EtherType = binary.BigEndian.Uint16(frame[12:14])
	return h, true
}

// IPv4Header holds the fields the fast path needs; IP options (IHL>5)
// are rejected by the caller rather than parsed, per §4.1's
// "IP options present ⇒ DROP" tie-break.
type IPv4Header struct {
	Version     uint8
	IHL         uint8 // in 32-bit words
	TotalLength uint16
	Flags       uint8 // top 3 bits of the flags/fragment-offset field
	FragOffset  uint16
	Protocol    uint8
	Checksum    uint16
	SrcIP       [4]byte
	DstIP       [4]byte
}

// MoreFragments reports the IPv4 MF flag.
func (h IPv4Header) MoreFragments() bool { return h.Flags&0x1 != 0 }

// FragmentOffsetNonZero reports whether this is a non-first fragment.
func (h IPv4Header) FragmentOffsetNonZero() bool { return h.FragOffset != 0 }

// IsFragment reports whether this IPv4 packet is part of a fragmented
// datagram — MF set, or a nonzero fragment offset on a later fragment.
func (h IPv4Header) IsFragment() bool {
	return h.MoreFragments() || h.FragmentOffsetNonZero()
}

// IsMulticastOrBroadcast reports whether the destination address is a
// multicast (224.0.0.0/4) or the limited broadcast address.
func (h IPv4Header) IsMulticastOrBroadcast() bool {
	if h.DstIP == [4]byte{255, 255, 255, 255} {
		return true
	}
	return h.DstIP[0]&0xf0 == 0xe0
}

func parseIPv4(payload []byte) (IPv4Header, bool) {
	if len(payload) < minIPv4HeaderLen {
		return IPv4Header{}, false
	}
	versionIHL := payload[0]
	version := versionIHL >> 4
	ihl := versionIHL & 0x0f

	totalLength := binary.BigEndian.Uint16(payload[2:4])
	if int(totalLength) > len(payload) {
		return IPv4Header{}, false
	}

	flagsFrag := binary.BigEndian.Uint16(payload[6:8])
	h := IPv4Header{
		Version:     version,
		IHL:         ihl,
		TotalLength: totalLength,
		Flags:       uint8(flagsFrag >> 13),
		FragOffset:  flagsFrag & 0x1fff,
		Protocol:    payload[9],
		Checksum:    binary.BigEndian.Uint16(payload[10:12]),
	}
	copy(h.SrcIP[:], payload[12:16])
	copy(h.DstIP[:], payload[16:20])
	return h, true
}

// TCPFlags is the 8-bit flag octet (reserved bits + CWR/ECE/URG/ACK/
// PSH/RST/SYN/FIN), with one accessor method per bit the fast path
// cares about.
type TCPFlags uint8

func (f TCPFlags) FIN() bool { return f&0x01 != 0 }
func (f TCPFlags) SYN() bool { return f&0x02 != 0 }
func (f TCPFlags) RST() bool { return f&0x04 != 0 }
func (f TCPFlags) PSH() bool { return f&0x08 != 0 }
func (f TCPFlags) ACK() bool { return f&0x10 != 0 }

// TCPHeader holds the fixed 20-byte TCP header fields; options are
// never parsed by the fast path.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	SeqNum  uint32
	AckNum  uint32
	Flags   TCPFlags
	Window  uint16
}

func parseTCP(payload []byte) (TCPHeader, bool) {
	if len(payload) < minTCPHeaderLen {
		return TCPHeader{}, false
	}
	return TCPHeader{
		SrcPort: binary.BigEndian.Uint16(payload[0:2]),
		DstPort: binary.BigEndian.Uint16(payload[2:4]),
		SeqNum:  binary.BigEndian.Uint32(payload[4:8]),
		AckNum:  binary.BigEndian.Uint32(payload[8:12]),
		Flags:   TCPFlags(payload[13]),
		Window:  binary.BigEndian.Uint16(payload[14:16]),
	}, true
}
