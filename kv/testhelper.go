// ABOUTME: Test utilities for creating isolated key-value stores
// ABOUTME: In-memory Badger per test plus a wrapper that injects store failures

package kv

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// ErrInjected is returned by FaultyStore when a configured fault fires.
var ErrInjected = errors.New("injected store failure")

// NewTestStore returns an in-memory store closed automatically when the test ends.
func NewTestStore(t *testing.T) *BadgerStore {
	t.Helper()

	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("Failed to open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Logf("Warning: failed to close test store: %v", err)
		}
	})
	return s
}

// FaultyStore wraps a Store and fails selected calls.
// The mutex keeps fault bookkeeping safe for parallel pipeline batches.
type FaultyStore struct {
	Store

	mu sync.Mutex
	// putFailures counts remaining Put failures per key prefix.
	putFailures map[string]int
	// getFailures counts remaining Get failures per key prefix.
	getFailures map[string]int
	// rejected fails every Put whose value contains one of these strings.
	rejected []string
	// listFailAfter fails List once this many calls have succeeded; -1 disables.
	listFailAfter int
	listCalls     int
	puts          int
}

// NewFaultyStore wraps inner with no faults configured.
func NewFaultyStore(inner Store) *FaultyStore {
	return &FaultyStore{
		Store:         inner,
		putFailures:   make(map[string]int),
		getFailures:   make(map[string]int),
		listFailAfter: -1,
	}
}

// FailPuts makes the next n Puts to keys starting with prefix fail.
func (f *FaultyStore) FailPuts(prefix string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putFailures[prefix] = n
}

// FailGets makes the next n Gets of keys starting with prefix fail.
func (f *FaultyStore) FailGets(prefix string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getFailures[prefix] = n
}

// RejectValues makes every Put whose value contains substr fail, forever.
func (f *FaultyStore) RejectValues(substr string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected = append(f.rejected, substr)
}

// FailListAfter makes List fail after n successful calls.
func (f *FaultyStore) FailListAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listFailAfter = n
	f.listCalls = 0
}

// Puts reports how many Put calls reached the inner store.
func (f *FaultyStore) Puts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *FaultyStore) Put(ctx context.Context, key string, value []byte, opts ...PutOption) error {
	f.mu.Lock()
	for _, substr := range f.rejected {
		if strings.Contains(string(value), substr) {
			f.mu.Unlock()
			return ErrInjected
		}
	}
	for prefix, n := range f.putFailures {
		if n > 0 && strings.HasPrefix(key, prefix) {
			f.putFailures[prefix] = n - 1
			f.mu.Unlock()
			return ErrInjected
		}
	}
	f.puts++
	f.mu.Unlock()
	return f.Store.Put(ctx, key, value, opts...)
}

func (f *FaultyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	for prefix, n := range f.getFailures {
		if n > 0 && strings.HasPrefix(key, prefix) {
			f.getFailures[prefix] = n - 1
			f.mu.Unlock()
			return nil, ErrInjected
		}
	}
	f.mu.Unlock()
	return f.Store.Get(ctx, key)
}

func (f *FaultyStore) List(ctx context.Context, opts ListOptions) (ListResult, error) {
	f.mu.Lock()
	if f.listFailAfter >= 0 && f.listCalls >= f.listFailAfter {
		f.mu.Unlock()
		return ListResult{}, ErrInjected
	}
	f.listCalls++
	f.mu.Unlock()
	return f.Store.List(ctx, opts)
}
