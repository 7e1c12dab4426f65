// Package sink implements the fixed-capacity byte accumulator used by the
// serial codec and every client's header/payload framing state.
package sink

// Sink is a non-owning view over a caller-supplied buffer: it tracks how many
// bytes of that buffer have been filled so far but never allocates and never
// grows. Callers reset it onto a new buffer (Reset) when they need a
// different backing store or size.
type Sink struct {
	buf  []byte
	used int
}

// Reset points the sink at buf and clears the used count. size bounds how
// many bytes of buf the sink will accept; it must not exceed len(buf).
func Reset(s *Sink, buf []byte, size int) {
	s.buf = buf[:size]
	s.used = 0
}

// Fill copies up to len(src) bytes from src into the sink, advancing the
// used count, and returns the number of bytes actually consumed. It reports
// done=true once the sink has reached capacity.
func Fill(s *Sink, src []byte) (consumed int, done bool) {
	avail := len(s.buf) - s.used
	if avail <= 0 {
		return 0, true
	}
	n := len(src)
	if n > avail {
		n = avail
	}
	copy(s.buf[s.used:s.used+n], src[:n])
	s.used += n
	return n, s.used == len(s.buf)
}

// Needed returns how many more bytes the sink requires to be full.
func Needed(s *Sink) int {
	return len(s.buf) - s.used
}

// Used returns the number of bytes currently held.
func Used(s *Sink) int { return s.used }

// Size returns the sink's total capacity.
func Size(s *Sink) int { return len(s.buf) }

// Bytes returns the filled portion of the backing buffer. The returned slice
// aliases the sink's buffer and must not be retained past the next Reset.
func Bytes(s *Sink) []byte { return s.buf[:s.used] }

// Save writes the sink's bookkeeping fields (used, size) to w. The backing
// buffer is never written: reattaching a sink to its buffer on load is the
// caller's responsibility, exactly as with the original implementation this
// type is modeled on.
func Save(s *Sink, putU32 func(uint32)) {
	putU32(uint32(s.used))
	putU32(uint32(len(s.buf)))
}

// Load reads back used/size written by Save. The caller must call Reset
// with a buffer of at least `size` bytes before the sink is usable again.
func Load(getU32 func() (uint32, error)) (used int, size int, err error) {
	u, err := getU32()
	if err != nil {
		return 0, 0, err
	}
	sz, err := getU32()
	if err != nil {
		return 0, 0, err
	}
	return int(u), int(sz), nil
}
