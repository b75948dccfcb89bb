// Package reward holds the wheel configuration and the weighted draw.
package reward

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ErrSelectorFault marks a misconfigured reward table. It is fatal: no draw
// may happen against such a table.
var ErrSelectorFault = errors.New("selector fault")

// Segment is one slice of the wheel.
type Segment struct {
	ID         int     `json:"id"`
	Label      string  `json:"label"`
	PayoutBase int64   `json:"payout_base"`
	Weight     float64 `json:"weight"`
	IsJackpot  bool    `json:"is_jackpot"`
}

// Table is an immutable, id-ordered set of segments with a positive total
// weight. Build it with NewTable.
type Table struct {
	segments    []Segment
	cumulative  []float64
	totalWeight float64
}

// NewTable validates segs and returns them sorted by id.
func NewTable(segs []Segment) (*Table, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("%w: empty reward table", ErrSelectorFault)
	}
	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	cum := make([]float64, len(sorted))
	total := 0.0
	for i, s := range sorted {
		if i > 0 && sorted[i-1].ID == s.ID {
			return nil, fmt.Errorf("%w: duplicate segment id %d", ErrSelectorFault, s.ID)
		}
		if math.IsNaN(s.Weight) || math.IsInf(s.Weight, 0) || s.Weight <= 0 {
			return nil, fmt.Errorf("%w: segment %d has weight %v", ErrSelectorFault, s.ID, s.Weight)
		}
		if s.PayoutBase < 0 {
			return nil, fmt.Errorf("%w: segment %d has negative payout", ErrSelectorFault, s.ID)
		}
		total += s.Weight
		cum[i] = total
	}
	if math.IsInf(total, 0) {
		return nil, fmt.Errorf("%w: total weight overflows", ErrSelectorFault)
	}
	return &Table{segments: sorted, cumulative: cum, totalWeight: total}, nil
}

// TotalWeight is the size of the probability space.
func (t *Table) TotalWeight() float64 { return t.totalWeight }

// Segments returns a copy of the segments in draw order.
func (t *Table) Segments() []Segment {
	out := make([]Segment, len(t.segments))
	copy(out, t.segments)
	return out
}

// Lookup returns the segment with the given id.
func (t *Table) Lookup(id int) (Segment, bool) {
	i := sort.Search(len(t.segments), func(i int) bool { return t.segments[i].ID >= id })
	if i < len(t.segments) && t.segments[i].ID == id {
		return t.segments[i], true
	}
	return Segment{}, false
}

// Pick maps r ∈ [0, TotalWeight) to a segment: the first whose running
// weight sum exceeds r. Values at or past the end (float drift, r == W)
// resolve to the last segment; negative values resolve to the first.
func (t *Table) Pick(r float64) Segment {
	for i, c := range t.cumulative {
		if c > r {
			return t.segments[i]
		}
	}
	return t.segments[len(t.segments)-1]
}

// Probability returns weight / TotalWeight for the segment with id.
func (t *Table) Probability(id int) float64 {
	s, ok := t.Lookup(id)
	if !ok {
		return 0
	}
	return s.Weight / t.totalWeight
}
