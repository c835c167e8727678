package usage

import "sync"

// UserIndex assigns each login a dense index so window state can live in
// slices instead of maps. It is safe for concurrent use: parallel window
// workers share one index so the same login resolves to the same slot
// everywhere.
type UserIndex struct {
	mu     sync.RWMutex
	logins []string
	index  map[string]int
}

// NewUserIndex builds an index over the given logins, ignoring duplicates.
func NewUserIndex(logins []string) *UserIndex {
	x := &UserIndex{index: make(map[string]int, len(logins))}
	for _, login := range logins {
		x.Add(login)
	}
	return x
}

// Add returns the index for login, assigning the next free slot when the
// login is new.
func (x *UserIndex) Add(login string) int {
	x.mu.RLock()
	i, ok := x.index[login]
	x.mu.RUnlock()
	if ok {
		return i
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if i, ok := x.index[login]; ok {
		return i
	}
	i = len(x.logins)
	x.logins = append(x.logins, login)
	x.index[login] = i
	return i
}

// Login returns the login at index i.
func (x *UserIndex) Login(i int) string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.logins[i]
}

// Len returns the number of indexed logins.
func (x *UserIndex) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.logins)
}

// Logins returns a copy of the indexed logins in index order.
func (x *UserIndex) Logins() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]string, len(x.logins))
	copy(out, x.logins)
	return out
}
