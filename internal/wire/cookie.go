package wire

import "encoding/binary"

// GenCookie derives a 32-bit SYN cookie from the connection 4-tuple, the
// client's initial sequence number, and a shared secret, via an avalanche
// mix (splitmix64-style) so a single-bit input change flips roughly half
// the output bits. No per-connection state is retained — the cookie IS
// the state.
func GenCookie(t FourTuple, clientSeq uint32, secret [16]byte) uint32 {
	h := mixSeed(t, secret)
	h ^= uint64(clientSeq)
	h = avalanche(h)
	return uint32(h)
}

// VerifyCookie reports whether ackSeq is exactly one more than the cookie
// generated for this tuple and client sequence number — the condition
// that lets the fast path accept a returning ACK without having kept any
// per-flow state.
func VerifyCookie(ackSeq uint32, t FourTuple, clientSeq uint32, secret [16]byte) bool {
	return ackSeq == GenCookie(t, clientSeq, secret)+1
}

func mixSeed(t FourTuple, secret [16]byte) uint64 {
	var buf [24]byte
	copy(buf[0:4], t.SrcIP[:])
	copy(buf[4:8], t.DstIP[:])
	binary.BigEndian.PutUint16(buf[8:10], t.SrcPort)
	binary.BigEndian.PutUint16(buf[10:12], t.DstPort)
	copy(buf[12:24], secret[:12])

	s0 := binary.BigEndian.Uint64(buf[0:8])
	s1 := binary.BigEndian.Uint64(buf[8:16])
	s2 := binary.BigEndian.Uint64(buf[16:24])
	secretTail := binary.BigEndian.Uint32(secret[12:16])

	h := s0
	h = avalanche(h ^ s1)
	h = avalanche(h ^ s2)
	h ^= uint64(secretTail)
	return h
}

// avalanche is the splitmix64 finalizer: cheap, fixed-point-free, and
// known to pass strict avalanche criteria for 64-bit inputs.
func avalanche(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
