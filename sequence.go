package serialtest

const (
	asciiFirst = 32
	asciiLast  = 126
)

// Sequence is the incrementing byte counter of the self-test pattern. In
// binary mode it wraps modulo 256; in ASCII mode it cycles through 32..126.
type Sequence struct {
	ascii bool
	value byte
}

// NewSequence returns a counter positioned at the first pattern value
func NewSequence(ascii bool) Sequence {
	s := Sequence{ascii: ascii}
	if ascii {
		s.value = asciiFirst
	}
	return s
}

// Peek returns the current value without advancing
func (s *Sequence) Peek() byte {
	return s.value
}

// Next returns the current value and advances the counter
func (s *Sequence) Next() byte {
	v := s.value
	s.value = s.after(v)
	return v
}

// Set repositions the counter so the next value returned is v
func (s *Sequence) Set(v byte) {
	s.value = v
}

// Resync positions the counter after an observed value
func (s *Sequence) Resync(observed byte) {
	s.value = s.after(observed)
}

// Fill writes the next len(buf) values into buf
func (s *Sequence) Fill(buf []byte) {
	for i := range buf {
		buf[i] = s.Next()
	}
}

func (s *Sequence) after(v byte) byte {
	if !s.ascii {
		return v + 1
	}
	if v < asciiFirst || v >= asciiLast {
		return asciiFirst
	}
	return v + 1
}
