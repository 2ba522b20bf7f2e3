package mac

// fcntWindow bounds how far ahead of the last accepted value a 16-bit wire
// counter may jump before it is treated as a replay.
const fcntWindow = 16384

// ExtendFCnt reconciles a 16-bit wire counter with the 32-bit extended
// counter of the last accepted frame. A frame is accepted when its wire
// counter is ahead of the previous one by 1..fcntWindow in modulo-2^16
// arithmetic; wrapping past 0xFFFF carries into the high half. The returned
// value is the new extended counter; ok is false for replays and for jumps
// beyond the window.
func ExtendFCnt(ext uint32, wire uint16) (uint32, bool) {
	cur := uint16(ext)
	delta := wire - cur
	if delta == 0 || delta > fcntWindow {
		return 0, false
	}

	full := ext&0xFFFF0000 | uint32(wire)
	if wire < cur {
		full += 0x10000
	}
	return full, true
}

// ExtendFirstFCnt admits the first frame of a fresh session, where no
// previous counter exists. Anything inside the window from zero is accepted
// as-is, including wire counter 0.
func ExtendFirstFCnt(wire uint16) (uint32, bool) {
	if wire >= fcntWindow {
		return 0, false
	}
	return uint32(wire), true
}
