package address

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlain(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Address
		wantErr bool
	}{
		{name: "valid", input: "123:abc", want: Address{LobbyID: 123, Secret: "abc"}},
		{name: "empty secret", input: "123:", want: Address{LobbyID: 123}},
		{name: "no colon", input: "123", wantErr: true},
		{name: "three fields", input: "123:abc:def", wantErr: true},
		{name: "not a number", input: "abc:def", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlain(tt.input)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidAddress)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseURI(t *testing.T) {
	u, err := url.Parse("discord://123/?abc")
	require.NoError(t, err)

	got, err := ParseURI(u)
	require.NoError(t, err)
	assert.Equal(t, Address{LobbyID: 123, Secret: "abc"}, got)

	u, err = url.Parse("kcp://123/?abc")
	require.NoError(t, err)
	_, err = ParseURI(u)
	assert.ErrorIs(t, err, ErrInvalidAddress)

	_, err = ParseURI(nil)
	assert.ErrorIs(t, err, ErrInvalidAddress)
}

func TestURIRoundTrip(t *testing.T) {
	for _, addr := range []Address{
		{LobbyID: 1, Secret: "abc"},
		{LobbyID: 9223372036854775807, Secret: "4a0c1d52-6a2f-4c1b-9f7e-0d1e2f3a4b5c"},
		{LobbyID: 100001, Secret: ""},
		{LobbyID: 42, Secret: "a#b"},
		{LobbyID: 42, Secret: "x y+z%20&w=?"},
	} {
		uri := addr.URI()
		assert.Equal(t, Scheme, uri.Scheme)

		got, err := Parse(uri.String())
		require.NoError(t, err)
		assert.Equal(t, addr, got)

		got, err = Parse(addr.String())
		require.NoError(t, err)
		assert.Equal(t, addr, got)
	}
}

func TestAddress_URIString(t *testing.T) {
	assert.Equal(t, "discord://123/?abc", Address{LobbyID: 123, Secret: "abc"}.URI().String())
	assert.Equal(t, "discord://42/?a%23b", Address{LobbyID: 42, Secret: "a#b"}.URI().String())

	_, err := Parse("discord://42/?a%zzb")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
