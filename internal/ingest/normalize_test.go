package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDomain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "bare domain", input: "example.com", want: "example.com"},
		{name: "scheme and path stripped", input: "https://Example.com/about", want: "example.com"},
		{name: "www stripped", input: "www.example.com", want: "example.com"},
		{name: "subdomain kept", input: "shop.example.com", want: "shop.example.com"},
		{name: "whitespace trimmed", input: "  example.com  ", want: "example.com"},
		{name: "empty", input: "", wantErr: true},
		{name: "no tld", input: "localhost", wantErr: true},
		{name: "garbage", input: "://///", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := NormalizeDomain(tc.input)
			if tc.wantErr {
				require.Error(t, err)
				require.Equal(t, KindValidation, KindOf(err))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestValidateSourceURL(t *testing.T) {
	t.Parallel()

	got, err := ValidateSourceURL(" https://maps.google.com/place/x ")
	require.NoError(t, err)
	require.Equal(t, "https://maps.google.com/place/x", got)

	for _, bad := range []string{"", "not a url", "ftp://example.com/x", "/relative/path"} {
		_, err := ValidateSourceURL(bad)
		require.Error(t, err, "input %q", bad)
		require.Equal(t, KindValidation, KindOf(err))
	}
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	err := NewError(KindUpstreamUnavailable, "connection refused")
	require.True(t, Retryable(err))
	require.Equal(t, KindUpstreamUnavailable, KindOf(err))

	wrapped := WrapError(KindUpstreamFailure, err, "actor run")
	require.False(t, Retryable(wrapped))
	require.Equal(t, KindUpstreamFailure, KindOf(wrapped))

	require.Equal(t, KindInternal, KindOf(ErrNotFound))
	require.False(t, Retryable(ErrNotFound))
}
