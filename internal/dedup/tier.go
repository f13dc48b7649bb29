package dedup

// tier is a bounded set that remembers insertion order so the oldest entries
// can be evicted first.
type tier struct {
	max   int
	set   map[string]struct{}
	order []string
	head  int
}

func newTier(max int) *tier {
	return &tier{max: max, set: make(map[string]struct{})}
}

func (t *tier) has(key string) bool {
	_, ok := t.set[key]
	return ok
}

// add inserts key and returns how many old entries were evicted to stay
// within max.
func (t *tier) add(key string) int {
	if _, ok := t.set[key]; ok {
		return 0
	}
	t.set[key] = struct{}{}
	t.order = append(t.order, key)
	return t.trimTo(t.max)
}

// trimTo evicts oldest entries until at most n remain.
func (t *tier) trimTo(n int) int {
	if n < 0 {
		n = 0
	}
	evicted := 0
	for len(t.set) > n && t.head < len(t.order) {
		key := t.order[t.head]
		t.order[t.head] = ""
		t.head++
		if _, ok := t.set[key]; ok {
			delete(t.set, key)
			evicted++
		}
	}
	t.compact()
	return evicted
}

func (t *tier) compact() {
	if t.head == 0 || t.head < len(t.order)/2 {
		return
	}
	t.order = append([]string(nil), t.order[t.head:]...)
	t.head = 0
}

func (t *tier) len() int { return len(t.set) }

// keys returns entries oldest first.
func (t *tier) keys() []string {
	out := make([]string, 0, len(t.set))
	for _, k := range t.order[t.head:] {
		if _, ok := t.set[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func (t *tier) clear() {
	t.set = make(map[string]struct{})
	t.order = nil
	t.head = 0
}
