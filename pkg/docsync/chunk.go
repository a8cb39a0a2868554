package docsync

import (
	"errors"
	"fmt"
)

var ErrIncompleteSnapshot = errors.New("incomplete snapshot")

// Split cuts data into fragments of at most size bytes. Empty data still produces
// one (empty) fragment so every snapshot has at least one chunk.
func Split(data []byte, size int) [][]byte {
	if size <= 0 {
		size = DefaultMaxChunkSize
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	chunks := make([][]byte, 0, (len(data)+size-1)/size)
	for start := 0; start < len(data); start += size {
		end := min(start+size, len(data))
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// Assembler collects the fragments of one snapshot in any order.
type Assembler struct {
	total     int
	fragments [][]byte
	received  int
}

func NewAssembler(total int) *Assembler {
	if total < 0 {
		total = 0
	}
	return &Assembler{total: total, fragments: make([][]byte, total)}
}

// Add stores a fragment. Duplicates of an already received index are ignored.
func (a *Assembler) Add(index int, fragment []byte) error {
	if index < 0 || index >= a.total {
		return fmt.Errorf("chunk index %d out of range [0, %d)", index, a.total)
	}
	if a.fragments[index] != nil {
		return nil
	}
	if fragment == nil {
		fragment = []byte{}
	}
	a.fragments[index] = fragment
	a.received++
	return nil
}

func (a *Assembler) Complete() bool {
	return a.total > 0 && a.received == a.total
}

// Bytes returns the reassembled snapshot, or ErrIncompleteSnapshot while any
// fragment is missing.
func (a *Assembler) Bytes() ([]byte, error) {
	if !a.Complete() {
		return nil, fmt.Errorf("%w: %d of %d chunks", ErrIncompleteSnapshot, a.received, a.total)
	}
	size := 0
	for _, f := range a.fragments {
		size += len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range a.fragments {
		out = append(out, f...)
	}
	return out, nil
}
