// Package stratum implements the KawPow flavour of Stratum V1: sessions,
// message parsing and the TCP server miners connect to.
package stratum

import (
	"bytes"
	"sync"
)

// bufferPool reuses line buffers on the write path.
var bufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 512))
	},
}

func getBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putBuffer drops oversized buffers instead of pooling them.
func putBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > 64<<10 {
		return
	}
	bufferPool.Put(buf)
}
