package executor

import (
	"bytes"
	"sync"
)

// limitedBuffer collects guest output up to max bytes. It is written by the
// guest goroutine and read by the caller, possibly after an instance was
// abandoned, so access is serialized.
type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func newLimitedBuffer(limit int) *limitedBuffer {
	return &limitedBuffer{max: limit}
}

// Write never fails; bytes beyond the limit are dropped.
func (o *limitedBuffer) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	room := o.max - o.buf.Len()
	if room <= 0 {
		o.truncated = o.truncated || len(data) > 0
		return len(data), nil
	}
	if len(data) > room {
		o.buf.Write(data[:room])
		o.truncated = true
		return len(data), nil
	}
	return o.buf.Write(data)
}

func (o *limitedBuffer) Bytes() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return bytes.Clone(o.buf.Bytes())
}

func (o *limitedBuffer) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

func (o *limitedBuffer) Truncated() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.truncated
}
