package checksum

import "sync"

// ChunkSize is the working buffer size used for hashing and streaming.
const ChunkSize = 32 * 1024

// BufferPool hands out fixed-size byte buffers and takes them back for reuse.
type BufferPool struct {
	pool    sync.Pool
	bufSize int
}

// Buffers is the shared ChunkSize pool used by hashing and transfer streams.
var Buffers = NewBufferPool(ChunkSize)

func NewBufferPool(bufSize int) *BufferPool {
	if bufSize <= 0 {
		panic("checksum: buffer size must be positive")
	}
	p := &BufferPool{bufSize: bufSize}
	p.pool.New = func() any {
		buf := make([]byte, bufSize)
		return &buf
	}
	return p
}

// Get returns a buffer of exactly the pool size.
func (p *BufferPool) Get() *[]byte {
	buf := p.pool.Get().(*[]byte)
	*buf = (*buf)[:p.bufSize]
	return buf
}

// Put returns buf to the pool. Buffers that shrank below the pool size are dropped.
func (p *BufferPool) Put(buf *[]byte) {
	if buf == nil || cap(*buf) < p.bufSize {
		return
	}
	p.pool.Put(buf)
}

func (p *BufferPool) Size() int {
	return p.bufSize
}
