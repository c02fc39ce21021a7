package arena

// Handle encodes a 32-bit slot index in the lower bits and a 32-bit generation
// in the upper bits. Generation increments on remove to invalidate stale refs.
// Generations start at 1, so the zero Handle never refers to a live slot.
type Handle uint64

func NewHandle(index uint32, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) Index() uint32      { return uint32(h) }
func (h Handle) Generation() uint32 { return uint32(h >> 32) }
func (h Handle) IsZero() bool       { return h == 0 }

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
}

// Arena stores values in stable slots with a free list for reuse.
// Not safe for concurrent use; owners guard it with their own lock.
type Arena[T any] struct {
	slots    []slot[T]
	freeList []uint32
	live     int
}

func New[T any](capacity int) *Arena[T] {
	return &Arena[T]{
		slots:    make([]slot[T], 0, capacity),
		freeList: make([]uint32, 0, capacity/4),
	}
}

// Emplace stores v in a free slot (or a new one) and returns its handle.
func (a *Arena[T]) Emplace(v T) Handle {
	var idx uint32
	if n := len(a.freeList); n > 0 {
		idx = a.freeList[n-1]
		a.freeList = a.freeList[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{generation: 1})
	}
	s := &a.slots[idx]
	s.value = v
	s.live = true
	a.live++
	return NewHandle(idx, s.generation)
}

// Alive reports whether h still refers to the value it was issued for.
func (a *Arena[T]) Alive(h Handle) bool {
	idx := h.Index()
	if int(idx) >= len(a.slots) {
		return false
	}
	s := &a.slots[idx]
	return s.live && s.generation == h.Generation()
}

// Get returns a pointer to the value behind h. The pointer is only valid
// until the next Emplace.
func (a *Arena[T]) Get(h Handle) (*T, bool) {
	if !a.Alive(h) {
		return nil, false
	}
	return &a.slots[h.Index()].value, true
}

// Remove frees the slot behind h. Returns false for stale handles.
func (a *Arena[T]) Remove(h Handle) bool {
	if !a.Alive(h) {
		return false // already removed (stale reference)
	}
	s := &a.slots[h.Index()]
	var zero T
	s.value = zero
	s.live = false
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	a.freeList = append(a.freeList, h.Index())
	a.live--
	return true
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int { return a.live }

// Each visits live values in slot order.
func (a *Arena[T]) Each(fn func(Handle, *T)) {
	for i := range a.slots {
		s := &a.slots[i]
		if s.live {
			fn(NewHandle(uint32(i), s.generation), &s.value)
		}
	}
}
