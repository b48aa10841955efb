package state

// Journal records undo steps for every write made inside an Atomic unit so a
// failed unit can be rolled back to its starting point. Writes made outside
// any unit are applied without undo information.
//
// Journal is not safe for concurrent use; callers serialize access.
type Journal struct {
	undo     []func()
	deferred []func()
	depth    int
}

func NewJournal() *Journal {
	return &Journal{}
}

// Atomic runs fn as one all-or-nothing unit. If fn returns an error or panics,
// every write made since the unit started is reverted. Nested units revert
// only their own writes; commit hooks fire when the outermost unit succeeds.
func (j *Journal) Atomic(fn func() error) (err error) {
	mark := len(j.undo)
	deferredMark := len(j.deferred)
	j.depth++
	committed := false
	defer func() {
		j.depth--
		if !committed {
			j.revert(mark)
			j.deferred = j.deferred[:deferredMark]
		}
		if j.depth == 0 {
			j.undo = j.undo[:0]
			if committed {
				hooks := j.deferred
				j.deferred = nil
				for _, hook := range hooks {
					hook()
				}
			} else {
				j.deferred = nil
			}
		}
	}()
	if err = fn(); err != nil {
		return err
	}
	committed = true
	return nil
}

// OnCommit schedules hook to run once the enclosing outermost unit commits.
// Outside a unit the hook runs immediately.
func (j *Journal) OnCommit(hook func()) {
	if j.depth == 0 {
		hook()
		return
	}
	j.deferred = append(j.deferred, hook)
}

// InUnit reports whether an Atomic unit is currently running.
func (j *Journal) InUnit() bool { return j.depth > 0 }

func (j *Journal) record(step func()) {
	if j.depth == 0 {
		return
	}
	j.undo = append(j.undo, step)
}

func (j *Journal) revert(mark int) {
	for i := len(j.undo) - 1; i >= mark; i-- {
		j.undo[i]()
	}
	j.undo = j.undo[:mark]
}

// Table is a journaled map with get-or-default reads. Values are replaced as
// a whole; callers must not mutate values (or big.Int fields) they read.
type Table[K comparable, V any] struct {
	j    *Journal
	rows map[K]V
	def  func(K) V
}

// NewTable creates a table. def builds the value returned for absent keys;
// nil means the zero value.
func NewTable[K comparable, V any](j *Journal, def func(K) V) *Table[K, V] {
	return &Table[K, V]{j: j, rows: make(map[K]V), def: def}
}

func (t *Table[K, V]) Get(key K) V {
	if v, ok := t.rows[key]; ok {
		return v
	}
	if t.def != nil {
		return t.def(key)
	}
	var zero V
	return zero
}

func (t *Table[K, V]) Lookup(key K) (V, bool) {
	v, ok := t.rows[key]
	return v, ok
}

func (t *Table[K, V]) Has(key K) bool {
	_, ok := t.rows[key]
	return ok
}

func (t *Table[K, V]) Set(key K, value V) {
	prev, existed := t.rows[key]
	t.j.record(func() {
		if existed {
			t.rows[key] = prev
		} else {
			delete(t.rows, key)
		}
	})
	t.rows[key] = value
}

func (t *Table[K, V]) Delete(key K) {
	prev, existed := t.rows[key]
	if !existed {
		return
	}
	t.j.record(func() { t.rows[key] = prev })
	delete(t.rows, key)
}

func (t *Table[K, V]) Len() int { return len(t.rows) }

// Range visits stored rows in unspecified order until fn returns false.
func (t *Table[K, V]) Range(fn func(K, V) bool) {
	for k, v := range t.rows {
		if !fn(k, v) {
			return
		}
	}
}

// Keys returns the stored keys in unspecified order.
func (t *Table[K, V]) Keys() []K {
	keys := make([]K, 0, len(t.rows))
	for k := range t.rows {
		keys = append(keys, k)
	}
	return keys
}

// Cell is a single journaled value.
type Cell[T any] struct {
	j *Journal
	v T
}

func NewCell[T any](j *Journal, initial T) *Cell[T] {
	return &Cell[T]{j: j, v: initial}
}

func (c *Cell[T]) Get() T { return c.v }

func (c *Cell[T]) Set(v T) {
	prev := c.v
	c.j.record(func() { c.v = prev })
	c.v = v
}
