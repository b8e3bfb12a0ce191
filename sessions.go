package main

import (
	"errors"
	"sync"
	"time"

	"magmaedit/internal/editor"
)

var errSessionNotFound = errors.New("session not found")

type sessionEntry struct {
	ID        string
	Filename  string
	Upload    bool
	CreatedAt time.Time
	LastSeen  time.Time
	Session   *editor.Session
}

// sessionStore keeps the open editor sessions of the web shell.
type sessionStore struct {
	mu    sync.Mutex
	items map[string]*sessionEntry
}

func newSessionStore() *sessionStore {
	return &sessionStore{items: make(map[string]*sessionEntry)}
}

func (st *sessionStore) add(e *sessionEntry) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.items[e.ID] = e
}

// get returns the session and marks it as seen.
func (st *sessionStore) get(id string) (*sessionEntry, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	e, ok := st.items[id]
	if !ok {
		return nil, errSessionNotFound
	}
	e.LastSeen = time.Now()
	return e, nil
}

// close removes the session and releases everything it holds.
func (st *sessionStore) close(id string) error {
	st.mu.Lock()
	e, ok := st.items[id]
	delete(st.items, id)
	st.mu.Unlock()
	if !ok {
		return errSessionNotFound
	}
	e.Session.Close()
	return nil
}

func (st *sessionStore) closeAll() int {
	st.mu.Lock()
	items := st.items
	st.items = make(map[string]*sessionEntry)
	st.mu.Unlock()
	for _, e := range items {
		e.Session.Close()
	}
	return len(items)
}

// sweep closes the sessions not seen since cutoff and returns them.
func (st *sessionStore) sweep(cutoff time.Time) []*sessionEntry {
	st.mu.Lock()
	var expired []*sessionEntry
	for id, e := range st.items {
		if e.LastSeen.Before(cutoff) {
			expired = append(expired, e)
			delete(st.items, id)
		}
	}
	st.mu.Unlock()
	for _, e := range expired {
		e.Session.Close()
	}
	return expired
}

func (st *sessionStore) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.items)
}
