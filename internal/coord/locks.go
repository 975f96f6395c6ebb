package coord

import (
	"sort"
	"sync"
)

// Mode selects shared or exclusive access to a key.
type Mode int

const (
	Read Mode = iota
	Write
)

// Req is a request for one key in the lock table.
type Req struct {
	Key  string
	Mode Mode
}

// R requests shared access to key.
func R(key string) Req { return Req{Key: key, Mode: Read} }

// W requests exclusive access to key.
func W(key string) Req { return Req{Key: key, Mode: Write} }

// Key helpers for the entities the engine locks.
func RepositoryKey(id string) string { return "repo:" + id }
func WorktreeKey(id string) string   { return "wt:" + id }
func SessionKey(id string) string    { return "session:" + id }
func TaskKey(id string) string       { return "task:" + id }

// RepositorySlugKey guards a slug while its repository is being registered.
func RepositorySlugKey(slug string) string { return "reposlug:" + slug }

// WorktreeNameKey guards the (repository, name) reservation.
func WorktreeNameKey(repositoryID, name string) string { return "wtname:" + repositoryID + "/" + name }

// WorktreePathKey guards the path reservation.
func WorktreePathKey(path string) string { return "wtpath:" + path }

type lockEntry struct {
	rw   sync.RWMutex
	refs int
}

// Locks is a keyed reader/writer lock table. Entries exist only while some
// caller holds or waits on them.
type Locks struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

// NewLocks returns an empty lock table.
func NewLocks() *Locks {
	return &Locks{entries: make(map[string]*lockEntry)}
}

// Acquire locks every requested key and returns a function that releases
// them. Keys are taken in sorted order so two multi-key callers can never
// wait on each other in a cycle. When a key is requested more than once the
// strongest mode wins.
func (l *Locks) Acquire(reqs ...Req) (release func()) {
	modes := make(map[string]Mode, len(reqs))
	for _, r := range reqs {
		if r.Key == "" {
			continue
		}
		if m, ok := modes[r.Key]; !ok || r.Mode > m {
			modes[r.Key] = r.Mode
		}
	}
	keys := make([]string, 0, len(modes))
	for k := range modes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	held := make([]*lockEntry, len(keys))
	for i, k := range keys {
		e := l.ref(k)
		if modes[k] == Write {
			e.rw.Lock()
		} else {
			e.rw.RLock()
		}
		held[i] = e
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(keys) - 1; i >= 0; i-- {
				if modes[keys[i]] == Write {
					held[i].rw.Unlock()
				} else {
					held[i].rw.RUnlock()
				}
				l.unref(keys[i])
			}
		})
	}
}

func (l *Locks) ref(key string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Locks) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entries[key]
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

// Len returns the number of live entries.
func (l *Locks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
