// Package bufpool recycles the fixed-size read buffers used on data
// channels.
package bufpool

import "sync"

// Pool hands out buffers of one size.
type Pool struct {
	pool sync.Pool
	size int
}

// New returns a pool of size-byte buffers.
func New(size int) *Pool {
	if size <= 0 {
		panic("bufpool: size must be positive")
	}
	p := &Pool{size: size}
	p.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly Size bytes. Release it with Put.
func (p *Pool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

// Put recycles buf. Buffers of another capacity are dropped.
func (p *Pool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) != p.size {
		return
	}
	*buf = (*buf)[:p.size]
	p.pool.Put(buf)
}

// Size is the length of every buffer from Get.
func (p *Pool) Size() int { return p.size }
