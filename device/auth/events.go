// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package auth

import (
	"sort"
	"sync"
)

// listeners is a set of event listeners. Registration may happen at any time,
// also from within a listener.
type listeners[T any] struct {
	mutex sync.Mutex
	next  int
	funcs map[int]func(T)
}

func (l *listeners[T]) add(f func(T)) func() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.funcs == nil {
		l.funcs = map[int]func(T){}
	}
	id := l.next
	l.next++
	l.funcs[id] = f
	return func() {
		l.mutex.Lock()
		defer l.mutex.Unlock()
		delete(l.funcs, id)
	}
}

func (l *listeners[T]) snapshot() []func(T) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	ids := make([]int, 0, len(l.funcs))
	for id := range l.funcs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	funcs := make([]func(T), 0, len(ids))
	for _, id := range ids {
		funcs = append(funcs, l.funcs[id])
	}
	return funcs
}

// emit calls the listeners in registration order. active is checked before every
// call, so a listener which stops the provider prevents the calls after it.
func (l *listeners[T]) emit(value T, active func() bool) {
	for _, f := range l.snapshot() {
		if !active() {
			return
		}
		f(value)
	}
}

// events carries the two event kinds of a provider. Once stop() has returned no
// listener is called anymore. No lock is held while a listener runs, so listeners
// may stop the provider that calls them.
type events struct {
	mutex    sync.Mutex
	stopped  bool
	newToken listeners[Credentials]
	failures listeners[error]
}

func (e *events) active() bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return !e.stopped
}

func (e *events) emitNewToken(c Credentials) {
	e.newToken.emit(c, e.active)
}

func (e *events) emitError(err error) {
	e.failures.emit(err, e.active)
}

// stop suppresses all later listener calls. It does not wait for running listeners.
func (e *events) stop() {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	e.stopped = true
}
