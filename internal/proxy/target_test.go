// ABOUTME: Tests for target resolution.
// ABOUTME: Validates the override/primary/fallback/address priority chain.

package proxy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatewise/gatewise/internal/store"
)

func TestResolveTarget(t *testing.T) {
	fullDevice := &store.Device{
		PrimaryHost:  "192.168.1.50",
		FallbackHost: "192.168.1.51",
		LegacyHost:   "192.168.1.52",
		Address:      "10.0.0.5",
	}

	t.Run("session override wins", func(t *testing.T) {
		sess := &store.Session{TargetOverride: "https://10.9.9.9:8443"}
		got, err := ResolveTarget(sess, fullDevice)
		require.NoError(t, err)
		assert.Equal(t, "https://10.9.9.9:8443", got)
	})

	t.Run("primary host next", func(t *testing.T) {
		got, err := ResolveTarget(&store.Session{}, fullDevice)
		require.NoError(t, err)
		assert.Equal(t, "http://192.168.1.50", got)
	})

	t.Run("fallback chain in order", func(t *testing.T) {
		got, err := ResolveTarget(&store.Session{}, &store.Device{FallbackHost: "f", LegacyHost: "l", Address: "a"})
		require.NoError(t, err)
		assert.Equal(t, "http://f", got)

		got, err = ResolveTarget(&store.Session{}, &store.Device{LegacyHost: "l", Address: "a"})
		require.NoError(t, err)
		assert.Equal(t, "http://l", got)

		got, err = ResolveTarget(&store.Session{}, &store.Device{Address: "a"})
		require.NoError(t, err)
		assert.Equal(t, "http://a", got)
	})

	t.Run("scheme preserved when present", func(t *testing.T) {
		got, err := ResolveTarget(&store.Session{}, &store.Device{PrimaryHost: "https://dev.local"})
		require.NoError(t, err)
		assert.Equal(t, "https://dev.local", got)
	})

	t.Run("nothing resolves", func(t *testing.T) {
		_, err := ResolveTarget(&store.Session{}, &store.Device{})
		assert.ErrorIs(t, err, ErrNoTarget)
	})
}
