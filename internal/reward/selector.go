package reward

import (
	crand "crypto/rand"
	"encoding/binary"
	"math/rand/v2"
	"sync"
)

// Source yields uniform floats in [0, 1).
type Source interface {
	Float64() float64
}

// Selector draws segments from a fixed table. Safe for concurrent use.
type Selector struct {
	table *Table
	mu    sync.Mutex
	src   Source
}

// NewSelector uses src for randomness; nil means a ChaCha8 generator seeded
// from crypto/rand.
func NewSelector(table *Table, src Source) *Selector {
	if src == nil {
		src = NewSecureSource()
	}
	return &Selector{table: table, src: src}
}

// Table returns the table the selector draws from.
func (s *Selector) Table() *Table { return s.table }

// Draw samples one segment with probability weight / TotalWeight.
func (s *Selector) Draw() (Segment, error) {
	if s == nil || s.table == nil {
		return Segment{}, ErrSelectorFault
	}
	s.mu.Lock()
	u := s.src.Float64()
	s.mu.Unlock()
	return s.table.Pick(u * s.table.totalWeight), nil
}

// NewSecureSource returns a ChaCha8 stream keyed from crypto/rand.
func NewSecureSource() Source {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("reward: crypto/rand unavailable: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// NewSeededSource is deterministic; for tests and replays.
func NewSeededSource(seed uint64) Source {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:8], seed)
	return rand.New(rand.NewChaCha8(s))
}
