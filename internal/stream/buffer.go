package stream

import "sync"

// DefaultBufferSize bounds a single TCP Receive. It also keeps each relayed
// chunk well below typical WebSocket message limits.
const DefaultBufferSize = 32 * 1024

type bufferPool struct {
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	bp := &bufferPool{}
	bp.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return bp
}

func (p *bufferPool) Get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) Put(b *[]byte) {
	p.pool.Put(b)
}

var readBuffers = newBufferPool(DefaultBufferSize)
