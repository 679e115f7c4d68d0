package crypto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)
	addr := key.PubKey().Address()
	require.False(t, addr.IsZero())

	encoded := addr.String()
	require.Contains(t, encoded, AddressPrefix+"1")

	decoded, err := DecodeAddress(encoded)
	require.NoError(t, err)
	require.Equal(t, addr, decoded)

	restored, err := PrivateKeyFromBytes(key.Bytes())
	require.NoError(t, err)
	require.Equal(t, addr, restored.PubKey().Address())
}

func TestDeriveModuleAddressIsDeterministic(t *testing.T) {
	a := DeriveModuleAddress("amm/pool/1")
	b := DeriveModuleAddress("amm/pool/1")
	c := DeriveModuleAddress("amm/pool/2")
	require.Equal(t, a, b)
	require.NotEqual(t, a, c)
}

func TestBytesToAddressRejectsWrongLength(t *testing.T) {
	_, err := BytesToAddress([]byte{1, 2, 3})
	require.True(t, errors.Is(err, ErrInvalidAddress))
}

func TestAddressTextMarshalling(t *testing.T) {
	addr := DeriveModuleAddress("harvest")
	text, err := addr.MarshalText()
	require.NoError(t, err)
	var out Address
	require.NoError(t, out.UnmarshalText(text))
	require.Equal(t, addr, out)
	require.Error(t, out.UnmarshalText([]byte("not-an-address")))
}
