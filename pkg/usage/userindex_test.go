package usage

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserIndexAdd(t *testing.T) {
	idx := NewUserIndex([]string{"alice", "bob"})
	assert.Equal(t, 2, idx.Len())

	// Known logins keep their index.
	assert.Equal(t, idx.Add("alice"), idx.Add("alice"))

	j := idx.Add("carol")
	assert.Equal(t, "carol", idx.Login(j))
	assert.Equal(t, 3, idx.Len())
}

func TestUserIndexDeduplicatesSeed(t *testing.T) {
	idx := NewUserIndex([]string{"alice", "alice", "bob"})
	assert.Equal(t, 2, idx.Len())
}

func TestUserIndexLoginsIsACopy(t *testing.T) {
	idx := NewUserIndex([]string{"alice"})
	logins := idx.Logins()
	logins[0] = "mallory"
	assert.Equal(t, "alice", idx.Login(0))
}

func TestUserIndexConcurrentAdd(t *testing.T) {
	idx := NewUserIndex(nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				idx.Add(fmt.Sprintf("user%03d", i))
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 100, idx.Len())
	for i := 0; i < idx.Len(); i++ {
		j := idx.Add(idx.Login(i))
		assert.Equal(t, i, j)
	}
}
