package xdpfilter

import (
	"encoding/binary"
	"testing"
	"time"

	"secbeat/internal/dynamicrules"
	"secbeat/internal/wire"
)

func testCookieParams() wire.CookieParams {
	return wire.CookieParams{Secret: [16]byte{1, 2, 3, 4, 5, 6, 7, 8}, MSS: 1460, Window: 65535}
}

// buildSYNFrame constructs a minimal Ethernet+IPv4+TCP frame with no IP
// options and no TCP options, correct lengths, for decision testing.
func buildSYNFrame(flags byte) []byte {
	frame := make([]byte, ethernetHeaderLen+minIPv4HeaderLen+minTCPHeaderLen)

	copy(frame[0:6], []byte{0xaa, 0xaa, 0xaa, 0xaa, 0xaa, 0xaa})  // dst mac
	copy(frame[6:12], []byte{0xbb, 0xbb, 0xbb, 0xbb, 0xbb, 0xbb}) // src mac
	binary.BigEndian.PutUint16(frame[12:14], etherTypeIPv4)

	ipStart := ethernetHeaderLen
	ip := frame[ipStart : ipStart+minIPv4HeaderLen]
	ip[0] = 0x45 // version 4, IHL 5
	binary.BigEndian.PutUint16(ip[2:4], uint16(minIPv4HeaderLen+minTCPHeaderLen))
	ip[8] = 64 // TTL
	ip[9] = protocolTCP
	copy(ip[12:16], []byte{203, 0, 113, 7})  // src
	copy(ip[16:20], []byte{198, 51, 100, 9}) // dst

	tcpStart := ipStart + minIPv4HeaderLen
	tcp := frame[tcpStart : tcpStart+minTCPHeaderLen]
	binary.BigEndian.PutUint16(tcp[0:2], 44123) // src port
	binary.BigEndian.PutUint16(tcp[2:4], 443)   // dst port
	binary.BigEndian.PutUint32(tcp[4:8], 1000)  // seq
	tcp[12] = 0x50                              // data offset 5
	tcp[13] = flags
	binary.BigEndian.PutUint16(tcp[14:16], 64240)

	return frame
}

func TestDecideSYNProducesValidSYNACK(t *testing.T) {
	stats := NewStats(nil)
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	f := New(blk, testCookieParams(), stats)

	frame := buildSYNFrame(0x02) // SYN only
	verdict, out := f.Decide(0, frame)
	if verdict != TX {
		t.Fatalf("expected TX, got %v", verdict)
	}

	// Re-parse the emitted frame and verify both checksums.
	ipStart := ethernetHeaderLen
	ipHeader := out[ipStart : ipStart+minIPv4HeaderLen]
	if cs := wire.InternetChecksum(ipHeader); cs != 0 {
		t.Fatalf("IPv4 checksum invalid, residual=%#04x", cs)
	}

	tcpStart := ipStart + minIPv4HeaderLen
	tcpSeg := out[tcpStart : tcpStart+minTCPHeaderLen]
	var afterSwapDst, afterSwapSrc [4]byte
	copy(afterSwapDst[:], ipHeader[12:16])
	copy(afterSwapSrc[:], ipHeader[16:20])
	if cs := wire.TCPChecksum(afterSwapDst, afterSwapSrc, tcpSeg); cs != 0 {
		t.Fatalf("TCP checksum invalid, residual=%#04x", cs)
	}

	seq := binary.BigEndian.Uint32(tcpSeg[4:8])
	ack := binary.BigEndian.Uint32(tcpSeg[8:12])
	if ack != 1001 {
		t.Fatalf("ack = %d, want 1001 (client_seq+1)", ack)
	}
	wantSeq := wire.GenCookie(
		wire.FourTuple{SrcIP: [4]byte{203, 0, 113, 7}, DstIP: [4]byte{198, 51, 100, 9}, SrcPort: 44123, DstPort: 443},
		1000, testCookieParams().Secret,
	)
	if seq != wantSeq {
		t.Fatalf("seq is not the generated cookie: got %d want %d", seq, wantSeq)
	}
}

func TestDecideBlocklistedSourceDropped(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	_ = blk.Add("203.0.113.7", time.Minute, "test")
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	frame := buildSYNFrame(0x02)
	verdict, _ := f.Decide(0, frame)
	if verdict != Drop {
		t.Fatalf("expected Drop for blocklisted source, got %v", verdict)
	}
}

func TestDecideTruncatedFrameDropped(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	verdict, _ := f.Decide(0, make([]byte, 10))
	if verdict != Drop {
		t.Fatalf("expected Drop for truncated frame, got %v", verdict)
	}
}

func TestDecideIPv6Passed(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	frame := make([]byte, ethernetHeaderLen+40)
	binary.BigEndian.PutUint16(frame[12:14], 0x86DD) // IPv6 ethertype
	verdict, _ := f.Decide(0, frame)
	if verdict != Pass {
		t.Fatalf("expected Pass for IPv6, got %v", verdict)
	}
}

func TestDecideFragmentDropped(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	frame := buildSYNFrame(0x02)
	ipStart := ethernetHeaderLen
	binary.BigEndian.PutUint16(frame[ipStart+6:ipStart+8], 0x2000) // MF flag set
	verdict, _ := f.Decide(0, frame)
	if verdict != Drop {
		t.Fatalf("expected Drop for fragment, got %v", verdict)
	}
}

func TestDecideACKPassedThrough(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	frame := buildSYNFrame(0x10) // ACK only
	verdict, _ := f.Decide(0, frame)
	if verdict != Pass {
		t.Fatalf("expected Pass for bare ACK, got %v", verdict)
	}
}

func TestInspectACKExtractsTupleAndSequences(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	frame := buildSYNFrame(0x10) // ACK only
	tcpStart := ethernetHeaderLen + minIPv4HeaderLen
	binary.BigEndian.PutUint32(frame[tcpStart+4:tcpStart+8], 1001)  // seq: ISN+1
	binary.BigEndian.PutUint32(frame[tcpStart+8:tcpStart+12], 5555) // ack: the cookie+1

	tuple, clientSeqBase, ackSeq, ok := f.InspectACK(frame)
	if !ok {
		t.Fatalf("expected InspectACK to recognize a bare ACK")
	}
	wantTuple := wire.FourTuple{SrcIP: [4]byte{203, 0, 113, 7}, DstIP: [4]byte{198, 51, 100, 9}, SrcPort: 44123, DstPort: 443}
	if tuple != wantTuple {
		t.Fatalf("tuple = %+v, want %+v", tuple, wantTuple)
	}
	if clientSeqBase != 1000 {
		t.Fatalf("clientSeqBase = %d, want 1000 (seq-1)", clientSeqBase)
	}
	if ackSeq != 5555 {
		t.Fatalf("ackSeq = %d, want 5555", ackSeq)
	}
}

func TestInspectACKRejectsSYN(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	_, _, _, ok := f.InspectACK(buildSYNFrame(0x02)) // SYN only
	if ok {
		t.Fatalf("expected InspectACK to reject a SYN frame")
	}
}

func TestStatsSumAcrossCPUs(t *testing.T) {
	blk := dynamicrules.NewStore(time.Second, nil)
	defer blk.Stop()
	stats := NewStats(nil)
	f := New(blk, testCookieParams(), stats)

	for i := 0; i < 5; i++ {
		f.Decide(i, buildSYNFrame(0x10)) // ACK -> pass
	}
	if got := stats.TotalPassed(); got != 5 {
		t.Fatalf("TotalPassed = %d, want 5", got)
	}
}
