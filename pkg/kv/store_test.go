package kv

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreBasics(t *testing.T) {
	s := New[string, int]()

	_, ok := s.Get("a")
	assert.False(t, ok)

	s.Set("a", 1)
	v, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	s.Set("a", 2)
	v, _ = s.Get("a")
	assert.Equal(t, 2, v)

	s.Delete("a")
	_, ok = s.Get("a")
	assert.False(t, ok)
	assert.NotPanics(t, func() { s.Delete("a") })
}

func TestStoreBatchAndClear(t *testing.T) {
	s := New[string, string]()
	s.SetBatch(map[string]string{"a": "1", "b": "2", "c": "3"})

	assert.Equal(t, 3, s.Len())
	assert.ElementsMatch(t, []string{"a", "b", "c"}, s.Keys())

	s.Clear()
	assert.Zero(t, s.Len())
	assert.Empty(t, s.Keys())
}

func TestStoreConcurrentAccess(t *testing.T) {
	s := New[int, int]()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.Set(i, i)
			s.Get(i)
			s.Len()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 50, s.Len())
}
