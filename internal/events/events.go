// Package events delivers stitcher notifications to subscribers on the
// emitting goroutine.
package events

import (
	"sync"

	"panostitch/internal/pano"
)

// Signal is a synchronous fan-out of values of type T. Emit calls every
// handler registered at the time of the call, in registration order, on the
// emitting goroutine.
type Signal[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []*Subscription
	fns    map[uint64]func(T)
	closed bool
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	id     uint64
	mu     sync.Mutex
	active bool
	cancel func(uint64)
}

// Unsubscribe removes the handler. It is safe to call more than once and
// from inside a handler.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	s.cancel(s.id)
}

func (s *Subscription) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Subscribe registers fn. Subscribing to a closed signal returns an inactive
// subscription.
func (sig *Signal[T]) Subscribe(fn func(T)) *Subscription {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if sig.fns == nil {
		sig.fns = make(map[uint64]func(T))
	}
	sig.nextID++
	sub := &Subscription{id: sig.nextID, cancel: sig.remove}
	if sig.closed || fn == nil {
		return sub
	}
	sub.active = true
	sig.subs = append(sig.subs, sub)
	sig.fns[sub.id] = fn
	return sub
}

// SubscribeTracked registers fn and records the subscription in t so that
// it is dropped when t is closed.
func (sig *Signal[T]) SubscribeTracked(t *Tracker, fn func(T)) *Subscription {
	sub := sig.Subscribe(fn)
	t.Add(sub)
	return sub
}

func (sig *Signal[T]) remove(id uint64) {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	delete(sig.fns, id)
	for i, s := range sig.subs {
		if s.id == id {
			sig.subs = append(sig.subs[:i:i], sig.subs[i+1:]...)
			break
		}
	}
}

// Emit delivers v. Handlers added during delivery are not called for v;
// handlers removed during delivery are skipped if not yet reached.
func (sig *Signal[T]) Emit(v T) {
	sig.mu.Lock()
	subs := append([]*Subscription(nil), sig.subs...)
	fns := make([]func(T), len(subs))
	for i, s := range subs {
		fns[i] = sig.fns[s.id]
	}
	sig.mu.Unlock()

	for i, s := range subs {
		if !s.Active() {
			continue
		}
		fns[i](v)
	}
}

// Len reports the number of active handlers.
func (sig *Signal[T]) Len() int {
	sig.mu.Lock()
	defer sig.mu.Unlock()
	return len(sig.subs)
}

// Close drops every handler and rejects later subscriptions.
func (sig *Signal[T]) Close() {
	sig.mu.Lock()
	subs := sig.subs
	sig.subs = nil
	sig.fns = nil
	sig.closed = true
	sig.mu.Unlock()
	for _, s := range subs {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}
}

// Tracker collects subscriptions owned by one observer.
type Tracker struct {
	mu   sync.Mutex
	subs []*Subscription
}

func (t *Tracker) Add(sub *Subscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs = append(t.subs, sub)
}

// Close unsubscribes everything added so far.
func (t *Tracker) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, s := range subs {
		s.Unsubscribe()
	}
}

// StatusMessage is a human readable note. Timeout is a display hint in
// milliseconds; negative means until replaced.
type StatusMessage struct {
	Text    string `json:"text"`
	Timeout int    `json:"timeout"`
}

// Bus groups the three stitcher signals.
type Bus struct {
	Status   Signal[StatusMessage]
	Progress Signal[float64]
	Result   Signal[[]*pano.Image]
}

func NewBus() *Bus {
	return &Bus{}
}

func (b *Bus) EmitStatus(text string, timeout int) {
	b.Status.Emit(StatusMessage{Text: text, Timeout: timeout})
}

func (b *Bus) Close() {
	b.Status.Close()
	b.Progress.Close()
	b.Result.Close()
}
