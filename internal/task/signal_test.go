package task

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCancelSignalRaise(t *testing.T) {
	s := NewCancelSignal()

	assert.False(t, s.Raised())
	assert.Empty(t, s.Reason())
	select {
	case <-s.Done():
		t.Fatal("done channel closed before Raise")
	default:
	}

	s.Raise("user requested")
	assert.True(t, s.Raised())
	assert.Equal(t, "user requested", s.Reason())

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("done channel not closed after Raise")
	}
}

func TestCancelSignalFirstReasonWins(t *testing.T) {
	s := NewCancelSignal()
	s.Raise("first")
	s.Raise("second")
	assert.Equal(t, "first", s.Reason())
}

func TestCancelSignalConcurrentRaise(t *testing.T) {
	s := NewCancelSignal()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Raise("racing")
		}()
	}
	wg.Wait()

	assert.True(t, s.Raised())
	assert.Equal(t, "racing", s.Reason())
}
