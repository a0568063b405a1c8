// Package observer is a small keyed subscription registry.
//
// Subscribers register a handler under a key and receive a Token that later
// removes exactly that subscription. Handlers for a key are returned in
// subscription order.
package observer

import "sync"

// Token identifies one subscription.
type Token uint64

type entry[F any] struct {
	token Token
	fn    F
}

// Registry holds handlers of type F grouped by key K. The zero value is ready to use.
type Registry[K comparable, F any] struct {
	mu      sync.RWMutex
	next    Token
	byKey   map[K][]entry[F]
	keyOfID map[Token]K
}

// Subscribe adds fn under key and returns its token.
func (r *Registry[K, F]) Subscribe(key K, fn F) Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKey == nil {
		r.byKey = make(map[K][]entry[F])
		r.keyOfID = make(map[Token]K)
	}
	r.next++
	tok := r.next
	r.byKey[key] = append(r.byKey[key], entry[F]{token: tok, fn: fn})
	r.keyOfID[tok] = key
	return tok
}

// Unsubscribe removes the subscription for tok. It reports false when tok is
// unknown or was already removed.
func (r *Registry[K, F]) Unsubscribe(tok Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keyOfID[tok]
	if !ok {
		return false
	}
	delete(r.keyOfID, tok)
	entries := r.byKey[key]
	for i, e := range entries {
		if e.token == tok {
			r.byKey[key] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(r.byKey[key]) == 0 {
		delete(r.byKey, key)
	}
	return true
}

// Handlers returns a snapshot of the handlers registered under key.
func (r *Registry[K, F]) Handlers(key K) []F {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.byKey[key]
	fns := make([]F, len(entries))
	for i, e := range entries {
		fns[i] = e.fn
	}
	return fns
}

// Len returns the number of live subscriptions.
func (r *Registry[K, F]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keyOfID)
}
