package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewStaticValidation(t *testing.T) {
	t.Parallel()

	_, err := NewStatic(Config{Enabled: true})
	require.Error(t, err)

	_, err = NewStatic(Config{Enabled: true, Tokens: map[string]string{" ": "tenant-1"}})
	require.Error(t, err)

	_, err = NewStatic(Config{Enabled: true, Tokens: map[string]string{"token-1": ""}})
	require.Error(t, err)

	_, err = NewStatic(Config{Enabled: false})
	require.NoError(t, err)
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	a, err := NewStatic(Config{
		Enabled: true,
		Tokens:  map[string]string{"token-1": "tenant-1", "token-2": "tenant-2"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := a.Authorize(ctx, "token-1", "tenant-1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Authorize(ctx, "token-1", "tenant-2")
	require.NoError(t, err)
	require.False(t, ok, "token must be bound to its own tenant")

	ok, err = a.Authorize(ctx, "unknown", "tenant-1")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = a.Authorize(ctx, "", "tenant-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAuthorizeDisabledAllowsEverything(t *testing.T) {
	t.Parallel()

	a, err := NewStatic(Config{Enabled: false})
	require.NoError(t, err)

	ok, err := a.Authorize(context.Background(), "", "any-tenant")
	require.NoError(t, err)
	require.True(t, ok)
}
