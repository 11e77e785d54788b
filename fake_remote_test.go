package bizsync

import (
	"context"
	"fmt"
	"sync"
)

// fakeRemote is an in-memory Remote. fail, when set, is consulted before
// each call with the operation name and its 1-based call count.
type fakeRemote[T any, P interface {
	*T
	Entity
}] struct {
	mu    sync.Mutex
	seq   int
	items []T
	calls map[string]int
	sent  []T

	fail   func(op string, n int) error
	before func(op string)
}

func newFakeRemote[T any, P interface {
	*T
	Entity
}]() *fakeRemote[T, P] {
	return &fakeRemote[T, P]{calls: make(map[string]int)}
}

func (f *fakeRemote[T, P]) enter(op string) error {
	if f.before != nil {
		f.before(op)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[op]++
	if f.fail != nil {
		return f.fail(op, f.calls[op])
	}
	return nil
}

func (f *fakeRemote[T, P]) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeRemote[T, P]) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

// seed stores item as if another client had created it.
func (f *fakeRemote[T, P]) seed(item T) T {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	m := P(&item).EntityMeta()
	m.ID = fmt.Sprintf("srv-%d", f.seq)
	m.Sync = SyncState{}
	f.items = append(f.items, item)
	return item
}

func (f *fakeRemote[T, P]) List(_ context.Context, filters Filters) ([]T, error) {
	if err := f.enter("list"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []T{}
	for _, it := range f.items {
		if matchesFilters(P(&it), filters) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeRemote[T, P]) Get(_ context.Context, id string) (T, error) {
	var zero T
	if err := f.enter("get"); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, it := range f.items {
		if P(&it).EntityMeta().ID == id {
			return it, nil
		}
	}
	return zero, &Error{Kind: KindNotFound, Status: 404}
}

func (f *fakeRemote[T, P]) Create(_ context.Context, item T) (T, error) {
	var zero T
	if err := f.enter("create"); err != nil {
		return zero, err
	}
	f.mu.Lock()
	f.sent = append(f.sent, item)
	f.mu.Unlock()
	return f.seed(item), nil
}

func (f *fakeRemote[T, P]) Update(_ context.Context, item T) (T, error) {
	var zero T
	if err := f.enter("update"); err != nil {
		return zero, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, item)
	id := P(&item).EntityMeta().ID
	for i := range f.items {
		if P(&f.items[i]).EntityMeta().ID == id {
			P(&item).EntityMeta().Sync = SyncState{}
			f.items[i] = item
			return item, nil
		}
	}
	return zero, &Error{Kind: KindNotFound, Status: 404}
}

func (f *fakeRemote[T, P]) Delete(_ context.Context, id string) error {
	if err := f.enter("delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if P(&f.items[i]).EntityMeta().ID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return nil
		}
	}
	return &Error{Kind: KindNotFound, Status: 404}
}

func (f *fakeRemote[T, P]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}
