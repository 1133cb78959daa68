package codec

// Assembler accumulates partial telephony payloads until a full
// fixed-duration frame is available. One Assembler per session per
// direction; it is not safe for concurrent use.
type Assembler struct {
	frameBytes int
	buf        []byte
}

func NewAssembler(frameBytes int) *Assembler {
	return &Assembler{
		frameBytes: frameBytes,
		buf:        make([]byte, 0, frameBytes*2),
	}
}

// Push appends data and returns every complete frame now available.
// Leftover bytes stay buffered for the next push.
func (a *Assembler) Push(data []byte) [][]byte {
	a.buf = append(a.buf, data...)
	var frames [][]byte
	for len(a.buf) >= a.frameBytes {
		frame := make([]byte, a.frameBytes)
		copy(frame, a.buf)
		a.buf = a.buf[a.frameBytes:]
		frames = append(frames, frame)
	}
	if len(a.buf) == 0 {
		a.buf = a.buf[:0]
	}
	return frames
}

// Pending reports the number of buffered bytes awaiting a full frame.
func (a *Assembler) Pending() int {
	return len(a.buf)
}
