// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package bufpool provides pooled, cache-line-aligned byte buffers for the
// pipeline's worker-private scratch space. Acquire and release serialise
// under a short-held mutex; acquisition optionally times out, which only
// the asynchronous read-ahead path uses.
package bufpool

import (
	"sync"
	"time"
	"unsafe"

	"github.com/fqzip/fqzip/internal/base"
)

// Alignment is the guaranteed alignment of every pooled buffer.
const Alignment = 64

// Pool caches buffers of a single size class.
type Pool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	free    [][]byte
	size    int
	live    int
	maxLive int // 0 means unbounded
}

// New returns a pool of size-byte buffers. maxLive, when positive, bounds
// the number of outstanding buffers; Get blocks once it is reached.
func New(size, maxLive int) *Pool {
	p := &Pool{size: size, maxLive: maxLive}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// alignedBuf allocates a buffer whose first byte is Alignment-aligned.
func alignedBuf(size int) []byte {
	raw := make([]byte, size+Alignment)
	off := 0
	if rem := int(uintptr(unsafe.Pointer(&raw[0])) % Alignment); rem != 0 {
		off = Alignment - rem
	}
	return raw[off : off+size : off+size]
}

// Get acquires a buffer, blocking while the pool is at its live bound.
func (p *Pool) Get() []byte {
	b, _ := p.get(0)
	return b
}

// GetTimeout acquires a buffer, giving up after d. Only the asynchronous
// read-ahead path passes a timeout; core compression paths block.
func (p *Pool) GetTimeout(d time.Duration) ([]byte, error) {
	return p.get(d)
}

func (p *Pool) get(timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for p.maxLive > 0 && p.live >= p.maxLive {
		if timeout > 0 {
			if time.Now().After(deadline) {
				return nil, base.CodecErrorf("buffer acquisition timed out after %s", timeout)
			}
			// A timed wait needs a waker; poll at a coarse interval.
			p.mu.Unlock()
			time.Sleep(time.Millisecond)
			p.mu.Lock()
			continue
		}
		p.cond.Wait()
	}
	p.live++
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		return b, nil
	}
	return alignedBuf(p.size), nil
}

// Put releases a buffer back to the pool. Buffers whose capacity is not the
// pool's size (a caller's append outgrew and replaced the pooled one) still
// release their slot but are not retained.
func (p *Pool) Put(b []byte) {
	p.mu.Lock()
	p.live--
	if cap(b) == p.size {
		p.free = append(p.free, b[:p.size])
	}
	p.mu.Unlock()
	p.cond.Signal()
}
