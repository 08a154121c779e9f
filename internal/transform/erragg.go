package transform

import "sync"

// errAgg aggregates rejection messages: a total count plus the first limit
// distinct messages.
type errAgg struct {
	mu      sync.Mutex
	limit   int
	count   int
	first   []string
	buckets map[string]int
}

func newErrAgg(limit int) *errAgg {
	return &errAgg{limit: limit, buckets: make(map[string]int)}
}

func (a *errAgg) add(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.buckets[msg] == 0 && len(a.first) < a.limit {
		a.first = append(a.first, msg)
	}
	a.buckets[msg]++
	a.count++
}
