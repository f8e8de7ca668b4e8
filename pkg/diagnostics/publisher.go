package diagnostics

import (
	"slices"
	"sync"
)

// Update is a publish notification for one document. An empty Diagnostics
// slice clears the document.
type Update struct {
	Path        string
	Diagnostics []Diagnostic
}

// Publisher owns the "last published" snapshot for every document and
// computes the minimal set of updates after each check.
type Publisher struct {
	mu   sync.Mutex
	last map[string][]Diagnostic
}

func NewPublisher() *Publisher {
	return &Publisher{last: make(map[string][]Diagnostic)}
}

// Apply compares the diagnostics in m against the last published snapshot
// for every document in covered and returns the updates to emit, sorted by
// path. Documents outside covered are left untouched, even if m mentions
// them. Documents in covered that are absent from m are treated as having
// no diagnostics.
func (p *Publisher) Apply(covered []string, m Mapping) []Update {
	paths := slices.Clone(covered)
	slices.Sort(paths)
	paths = slices.Compact(paths)

	p.mu.Lock()
	defer p.mu.Unlock()

	var updates []Update
	for _, path := range paths {
		next := m[path]
		prev := p.last[path]
		if slices.Equal(prev, next) {
			continue
		}
		if len(next) == 0 {
			delete(p.last, path)
			updates = append(updates, Update{Path: path, Diagnostics: []Diagnostic{}})
			continue
		}
		snapshot := slices.Clone(next)
		p.last[path] = snapshot
		updates = append(updates, Update{Path: path, Diagnostics: slices.Clone(snapshot)})
	}
	return updates
}

// Forget drops the snapshot for path and reports whether it had any
// diagnostics.
func (p *Publisher) Forget(path string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, had := p.last[path]
	delete(p.last, path)
	return had
}

// Last returns a copy of the last published diagnostics for path.
func (p *Publisher) Last(path string) []Diagnostic {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.last[path])
}
