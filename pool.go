package cogview

import (
	"sync"
)

// Buffer pools for compressed blocks and ingestion chunks.

type byteSlicePool struct {
	small  sync.Pool // typical strip of a narrow raster
	medium sync.Pool // 256x256 tiles
	large  sync.Pool // 512x512 tiles or wide strips
	xlarge sync.Pool // multi-band tiles
}

const (
	smallBufferSize  = 64 * 1024       // 64KB
	mediumBufferSize = 256 * 1024      // 256KB
	largeBufferSize  = 1024 * 1024     // 1MB
	xlargeBufferSize = 4 * 1024 * 1024 // 4MB
)

func newSizedPool(size int) sync.Pool {
	return sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	}
}

var bufferPool = &byteSlicePool{
	small:  newSizedPool(smallBufferSize),
	medium: newSizedPool(mediumBufferSize),
	large:  newSizedPool(largeBufferSize),
	xlarge: newSizedPool(xlargeBufferSize),
}

// GetBuffer returns a byte slice of exactly size bytes, pooled when a size class fits.
// Call PutBuffer when done to return it to the pool.
func GetBuffer(size int) []byte {
	var p *sync.Pool
	switch {
	case size <= smallBufferSize:
		p = &bufferPool.small
	case size <= mediumBufferSize:
		p = &bufferPool.medium
	case size <= largeBufferSize:
		p = &bufferPool.large
	case size <= xlargeBufferSize:
		p = &bufferPool.xlarge
	default:
		return make([]byte, size)
	}
	bufPtr := p.Get().(*[]byte)
	return (*bufPtr)[:size]
}

// PutBuffer returns a buffer to the pool.
// The buffer should not be used after calling this function.
func PutBuffer(buf []byte) {
	buf = buf[:cap(buf)]
	switch cap(buf) {
	case smallBufferSize:
		bufferPool.small.Put(&buf)
	case mediumBufferSize:
		bufferPool.medium.Put(&buf)
	case largeBufferSize:
		bufferPool.large.Put(&buf)
	case xlargeBufferSize:
		bufferPool.xlarge.Put(&buf)
	}
	// non-standard sizes are left to the GC
}

// chunkPools holds one pool per ingestion chunk size in use.
var chunkPools sync.Map // int -> *sync.Pool

func getChunk(size int) []byte {
	v, _ := chunkPools.LoadOrStore(size, &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, size)
			return &buf
		},
	})
	bufPtr := v.(*sync.Pool).Get().(*[]byte)
	return *bufPtr
}

func putChunk(buf []byte) {
	if v, ok := chunkPools.Load(cap(buf)); ok {
		buf = buf[:cap(buf)]
		v.(*sync.Pool).Put(&buf)
	}
}
