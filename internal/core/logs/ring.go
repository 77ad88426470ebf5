package logs

import "corenexus/internal/shared/types"

// ring 是固定容量的环形缓冲区，满时覆盖最旧的元素
type ring struct {
	buf   []types.LogMessage
	start int
	size  int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]types.LogMessage, capacity)}
}

func (r *ring) push(items ...types.LogMessage) {
	c := len(r.buf)
	// 一次写入超过容量时只保留尾部
	if len(items) > c {
		items = items[len(items)-c:]
	}
	for _, it := range items {
		if r.size < c {
			r.buf[(r.start+r.size)%c] = it
			r.size++
			continue
		}
		r.buf[r.start] = it
		r.start = (r.start + 1) % c
	}
}

func (r *ring) len() int { return r.size }

// slice returns the entries oldest-first in a fresh slice.
func (r *ring) slice() []types.LogMessage {
	out := make([]types.LogMessage, r.size)
	c := len(r.buf)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%c]
	}
	return out
}

func (r *ring) reset() {
	for i := range r.buf {
		r.buf[i] = types.LogMessage{}
	}
	r.start, r.size = 0, 0
}
