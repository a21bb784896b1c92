package wire

import "testing"

func TestInternetChecksumKnownVector(t *testing.T) {
	// RFC 1071 worked example.
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	got := InternetChecksum(data)
	if got != 0x220d {
		t.Fatalf("checksum = %#04x, want 0x220d", got)
	}
}

func TestInternetChecksumSelfVerifies(t *testing.T) {
	data := []byte{0x45, 0x00, 0x00, 0x3c, 0x1c, 0x46, 0x40, 0x00, 0x40, 0x06, 0x00, 0x00, 192, 168, 0, 1, 192, 168, 0, 2}
	cs := InternetChecksum(data)
	buf := make([]byte, len(data))
	copy(buf, data)
	buf[10] = byte(cs >> 8)
	buf[11] = byte(cs)
	// Summing a buffer with the correct checksum filled in yields 0xffff
	// before complement, i.e. InternetChecksum of the completed buffer is 0.
	if got := InternetChecksum(buf); got != 0 {
		t.Fatalf("checksum of completed buffer = %#04x, want 0", got)
	}
}

func TestTCPChecksumDeterministic(t *testing.T) {
	saddr := [4]byte{10, 0, 0, 1}
	daddr := [4]byte{10, 0, 0, 2}
	segment := make([]byte, 20)
	segment[13] = 0x02 // SYN flag
	a := TCPChecksum(saddr, daddr, segment)
	b := TCPChecksum(saddr, daddr, segment)
	if a != b {
		t.Fatalf("TCP checksum must be pure")
	}
	segment2 := make([]byte, 20)
	copy(segment2, segment)
	segment2[0] ^= 0x01
	if TCPChecksum(saddr, daddr, segment2) == a {
		t.Fatalf("expected checksum to change when segment bytes change")
	}
}
