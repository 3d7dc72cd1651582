package queue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	km := newKeyedMutex()

	const iterations = 500
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < iterations; j++ {
				unlock := km.Lock("acc-1")
				counter++
				unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4*iterations, counter)
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	km := newKeyedMutex()

	unlockA := km.Lock("acc-1")

	done := make(chan struct{})
	go func() {
		unlockB := km.Lock("acc-2")
		unlockB()
		close(done)
	}()

	// acc-2 must proceed while acc-1 is held.
	<-done
	unlockA()
}

func TestKeyedMutex_CleansUpIdleKeys(t *testing.T) {
	km := newKeyedMutex()

	unlock := km.Lock("acc-1")
	unlock()

	km.mu.Lock()
	defer km.mu.Unlock()
	assert.Empty(t, km.locks)
}
