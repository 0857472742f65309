package guard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardAcceptsTrackedID(t *testing.T) {
	t.Parallel()

	g := New("42")
	require.True(t, g.Accept("42"))
	require.False(t, g.Accept("41"))
	require.Equal(t, "42", g.Tracked())
}

func TestGuardAdoptsFirstIDWhenUnset(t *testing.T) {
	t.Parallel()

	var g Guard
	require.True(t, g.Accept("7"))
	require.Equal(t, "7", g.Tracked())
	require.False(t, g.Accept("8"))
}

func TestGuardResetAndRetrack(t *testing.T) {
	t.Parallel()

	g := New("1")
	g.Reset()
	require.Empty(t, g.Tracked())

	g.Track("2")
	require.False(t, g.Accept("1"))
	require.True(t, g.Accept("2"))
}

func TestGuardConcurrentAccept(t *testing.T) {
	t.Parallel()

	g := New("42")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(stale bool) {
			defer wg.Done()
			if stale {
				assert.False(t, g.Accept("41"))
				return
			}
			assert.True(t, g.Accept("42"))
		}(i%2 == 0)
	}
	wg.Wait()
	require.Equal(t, "42", g.Tracked())
}
