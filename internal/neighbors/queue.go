package neighbors

// candidate is a reference point and its squared distance to the query.
type candidate struct {
	index    int
	distance float32
}

// worse orders candidates by distance, breaking ties by index so that the
// selection is stable: among equidistant points the lower index wins.
func (c candidate) worse(o candidate) bool {
	if c.distance != o.distance {
		return c.distance > o.distance
	}
	return c.index > o.index
}

// topK is a bounded max-heap keeping the k best candidates seen so far.
// The root is the worst retained candidate.
type topK struct {
	k     int
	items []candidate
}

func newTopK(k int) *topK {
	return &topK{k: k, items: make([]candidate, 0, k)}
}

func (h *topK) reset() {
	h.items = h.items[:0]
}

// push offers a candidate. When the heap is full it replaces the root only if
// the candidate is better.
func (h *topK) push(index int, distance float32) {
	c := candidate{index: index, distance: distance}
	if len(h.items) < h.k {
		h.items = append(h.items, c)
		h.siftUp(len(h.items) - 1)
		return
	}
	if h.items[0].worse(c) {
		h.items[0] = c
		h.siftDown(0)
	}
}

// drain empties the heap into idx and dist in ascending distance order.
func (h *topK) drain(idx []int, dist []float32) {
	for i := len(h.items) - 1; i >= 0; i-- {
		top := h.items[0]
		idx[i], dist[i] = top.index, top.distance

		last := len(h.items) - 1
		h.items[0] = h.items[last]
		h.items = h.items[:last]
		if last > 0 {
			h.siftDown(0)
		}
	}
}

func (h *topK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.items[i].worse(h.items[parent]) {
			return
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *topK) siftDown(i int) {
	n := len(h.items)
	for {
		worst := i
		l, r := 2*i+1, 2*i+2
		if l < n && h.items[l].worse(h.items[worst]) {
			worst = l
		}
		if r < n && h.items[r].worse(h.items[worst]) {
			worst = r
		}
		if worst == i {
			return
		}
		h.items[i], h.items[worst] = h.items[worst], h.items[i]
		i = worst
	}
}
