package realtime

// subscriptionSet keeps channel ids in insertion order so replays are
// deterministic.
type subscriptionSet struct {
	order []string
	index map[string]struct{}
}

func newSubscriptionSet() *subscriptionSet {
	return &subscriptionSet{index: make(map[string]struct{})}
}

func (s *subscriptionSet) add(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.order = append(s.order, id)
	return true
}

func (s *subscriptionSet) remove(id string) bool {
	if _, ok := s.index[id]; !ok {
		return false
	}
	delete(s.index, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *subscriptionSet) has(id string) bool {
	_, ok := s.index[id]
	return ok
}

func (s *subscriptionSet) list() []string {
	return append([]string(nil), s.order...)
}
