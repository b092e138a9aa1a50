// Package reclaim holds a value that is either owned or merely reclaimable.
//
// A Ref starts empty. Own makes it hold a strong pointer. Demote drops the
// strong pointer and keeps only a weak one, so the garbage collector may
// destroy the value once nobody else references it. Revive tries to turn the
// weak pointer back into an owned one. Whether revival succeeds depends on the
// collector and must never be relied upon for correctness.
package reclaim

import "weak"

// Ref is a two-state holder: Owned(*T) or Reclaimable(weak *T).
// Ref is not safe for concurrent use; callers guard it with their own lock.
type Ref[T any] struct {
	strong *T
	weak   weak.Pointer[T]
}

// Own stores v as the owned value, replacing whatever was held.
func (r *Ref[T]) Own(v *T) {
	r.strong = v
	r.weak = weak.Make(v)
}

// Get returns the owned value, or nil when the Ref is empty or reclaimable.
func (r *Ref[T]) Get() *T {
	return r.strong
}

// Owned reports whether the Ref currently holds a strong pointer.
func (r *Ref[T]) Owned() bool {
	return r.strong != nil
}

// Demote releases the strong pointer, leaving the value reclaimable.
func (r *Ref[T]) Demote() {
	r.strong = nil
}

// Revive returns the held value, re-owning it if it was reclaimable and has not
// been collected yet. It returns nil when there is nothing to revive.
func (r *Ref[T]) Revive() *T {
	if r.strong != nil {
		return r.strong
	}
	v := r.weak.Value()
	if v != nil {
		r.strong = v
	}
	return v
}

// Clear forgets both the strong and the weak pointer.
func (r *Ref[T]) Clear() {
	r.strong = nil
	r.weak = weak.Pointer[T]{}
}
