package deletionlog

import "sort"

// txIDSet is a sorted set of transaction ids. Small enough per container
// that a sorted slice beats anything fancier.
type txIDSet struct {
	ids []int64
}

func (s *txIDSet) Add(id int64) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		return
	}
	s.ids = append(s.ids, 0)
	copy(s.ids[i+1:], s.ids[i:])
	s.ids[i] = id
}

func (s *txIDSet) Remove(id int64) {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		s.ids = append(s.ids[:i], s.ids[i+1:]...)
	}
}

func (s *txIDSet) Len() int { return len(s.ids) }

// Min returns the smallest id, or false when empty.
func (s *txIDSet) Min() (int64, bool) {
	if len(s.ids) == 0 {
		return 0, false
	}
	return s.ids[0], true
}

// PopMin removes and returns the smallest id.
func (s *txIDSet) PopMin() (int64, bool) {
	if len(s.ids) == 0 {
		return 0, false
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, true
}
