package federation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShareScopeRegisterIsAdditive(t *testing.T) {
	s := NewShareScope(DefaultShareScope)

	require.True(t, s.Register("ui-runtime", "3.4.0", "checkout", "first"))
	require.False(t, s.Register("ui-runtime", "3.4.0", "profile", "second"))

	dep, ok := s.Resolve("ui-runtime")
	require.True(t, ok)
	require.Equal(t, "first", dep.Value)
	require.Equal(t, "checkout", dep.From)
}

func TestShareScopeResolveHighestVersion(t *testing.T) {
	s := NewShareScope(DefaultShareScope)
	s.Register("ui-runtime", "3.2.1", "checkout", nil)
	s.Register("ui-runtime", "3.10.0", "profile", nil)
	s.Register("ui-runtime", "not-a-version", "admin", nil)
	s.Register("ui-runtime", "v3.9.9", "host", nil)

	dep, ok := s.Resolve("ui-runtime")
	require.True(t, ok)
	require.Equal(t, "3.10.0", dep.Version)
	require.Equal(t, []string{"not-a-version", "3.2.1", "v3.9.9", "3.10.0"}, s.Versions("ui-runtime"))

	_, ok = s.Resolve("missing")
	require.False(t, ok)
}

func TestShareScopesEnsureIsLazyAndStable(t *testing.T) {
	r := NewShareScopes()

	_, ok := r.Get(DefaultShareScope)
	require.False(t, ok)

	var wg sync.WaitGroup
	got := make([]*ShareScope, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = r.Ensure(DefaultShareScope)
		}(i)
	}
	wg.Wait()

	for _, s := range got {
		require.Same(t, got[0], s)
	}
	require.Equal(t, DefaultShareScope, got[0].Name())
}
