package storage

import "sync"

// bufferPool recycles region images. A region owns a buffer from rotation until its flush completes, so the pool
// never holds more than the number of regions that are being written or waiting for their flush.
type bufferPool struct {
	size int
	pool sync.Pool
}

func newBufferPool(size int) *bufferPool {
	p := &bufferPool{size: size}
	p.pool.New = func() any {
		buffer := make([]byte, size)
		return &buffer
	}
	return p
}

func (p *bufferPool) get() *[]byte {
	return p.pool.Get().(*[]byte)
}

func (p *bufferPool) put(buffer *[]byte) {
	if buffer == nil || len(*buffer) != p.size {
		return
	}
	p.pool.Put(buffer)
}
