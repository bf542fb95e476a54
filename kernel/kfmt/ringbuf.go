package kfmt

import "io"

// ringBufferSize defines the capacity of the ring buffer that captures Printf
// output before an output sink is attached. It must be a power of 2.
const ringBufferSize = 4096

// ringBuffer is a fixed-size byte queue. When full, new writes overwrite the
// oldest buffered bytes.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// head points to the oldest byte and count is the number of buffered
	// bytes.
	head, count int
}

// Write appends p to the buffer, discarding the oldest data if required. It
// never fails.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[(rb.head+rb.count)&(ringBufferSize-1)] = b
		if rb.count == ringBufferSize {
			rb.head = (rb.head + 1) & (ringBufferSize - 1)
			continue
		}
		rb.count++
	}

	return len(p), nil
}

// Read drains up to len(p) bytes from the buffer. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.count == 0 {
		return 0, io.EOF
	}

	// Copy at most up to the physical end of the buffer; callers such as
	// io.Copy will come back for the wrapped-around part.
	n := ringBufferSize - rb.head
	if n > rb.count {
		n = rb.count
	}
	if n > len(p) {
		n = len(p)
	}

	copy(p, rb.buffer[rb.head:rb.head+n])
	rb.head = (rb.head + n) & (ringBufferSize - 1)
	rb.count -= n

	return n, nil
}

// Len returns the number of buffered bytes.
func (rb *ringBuffer) Len() int {
	return rb.count
}
