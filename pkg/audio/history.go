package audio

// History is a fixed-capacity ring of the most recent samples
type History struct {
	buf   []Sample
	start int
	size  int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 1
	}
	return &History{buf: make([]Sample, capacity)}
}

// Push appends s, evicting the oldest sample when full
func (h *History) Push(s Sample) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = s
		h.size++
		return
	}
	h.buf[h.start] = s
	h.start = (h.start + 1) % len(h.buf)
}

func (h *History) Len() int {
	return h.size
}

// Recent returns the newest n samples oldest first, or nil if fewer are held
func (h *History) Recent(n int) []Sample {
	return h.Before(0, n)
}

// Before returns n samples that precede the newest skip samples, oldest first,
// or nil if the history is too short
func (h *History) Before(skip, n int) []Sample {
	if n <= 0 || skip < 0 || skip+n > h.size {
		return nil
	}
	out := make([]Sample, n)
	first := h.size - skip - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+first+i)%len(h.buf)]
	}
	return out
}

// Latest returns the newest sample
func (h *History) Latest() (Sample, bool) {
	if h.size == 0 {
		return Sample{}, false
	}
	return h.buf[(h.start+h.size-1)%len(h.buf)], true
}
