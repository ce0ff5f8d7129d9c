package metadata

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// Store is an append-only sequence of records, one per vector position.
// Positions are assigned in insertion order and never reused; records are
// immutable once stored.
//
// Alongside the flat sequence the store maintains inverted postings
// (field -> value -> positions) as roaring bitmaps, so equality and
// set-membership filters can pre-narrow candidates without touching
// every record.
type Store struct {
	mu       sync.RWMutex
	records  []Record
	postings map[string]map[string]*roaring.Bitmap
}

// NewStore creates an empty record store.
func NewStore() *Store {
	return &Store{
		postings: make(map[string]map[string]*roaring.Bitmap),
	}
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Add appends records in order, assigning the next dense positions.
// Records are cloned so later caller mutations cannot reach the store.
func (s *Store) Add(records []Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		position := uint32(len(s.records))
		s.records = append(s.records, r.Clone())

		for field, value := range r.Fields {
			byValue, ok := s.postings[field]
			if !ok {
				byValue = make(map[string]*roaring.Bitmap)
				s.postings[field] = byValue
			}
			key := value.Key()
			rb, ok := byValue[key]
			if !ok {
				rb = roaring.New()
				byValue[key] = rb
			}
			rb.Add(position)
		}
	}
}

// Get returns the record at the given position in O(1).
func (s *Store) Get(position uint32) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if int(position) >= len(s.records) {
		return Record{}, false
	}
	return s.records[position], true
}

// All returns the records in position order. The returned slice is a copy;
// the records themselves are shared and immutable.
func (s *Store) All() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Candidates returns the positions that can possibly satisfy the equality
// and set-membership conditions of the spec, as an intersection of the
// relevant postings. Range-only specs have no posting support; the second
// return is false and the caller must fall back to a predicate scan.
//
// The result is a conservative superset for specs that mix range and
// equality conditions: range bounds still need a per-record check.
func (s *Store) Candidates(fs FilterSpec) (*roaring.Bitmap, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result *roaring.Bitmap
	narrowed := false

	for field, cond := range fs {
		if cond.Equals == nil && len(cond.OneOf) == 0 {
			continue
		}

		fieldSet := roaring.New()
		byValue := s.postings[field]

		if cond.Equals != nil {
			if rb, ok := byValue[cond.Equals.Key()]; ok {
				fieldSet.Or(rb)
			}
		}
		for _, v := range cond.OneOf {
			if rb, ok := byValue[v.Key()]; ok {
				fieldSet.Or(rb)
			}
		}

		if narrowed {
			result.And(fieldSet)
		} else {
			result = fieldSet
			narrowed = true
		}

		if result.IsEmpty() {
			break
		}
	}

	return result, narrowed
}
