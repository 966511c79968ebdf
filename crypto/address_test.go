package crypto

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTripsThroughBech32(t *testing.T) {
	addr := DeriveAddress([]byte("alice"))
	require.False(t, addr.IsZero())

	decoded, err := DecodeAddress(addr.String())
	require.NoError(t, err)
	require.Equal(t, addr, decoded)

	encoded, err := json.Marshal(struct{ Who Address }{addr})
	require.NoError(t, err)
	var out struct{ Who Address }
	require.NoError(t, json.Unmarshal(encoded, &out))
	require.Equal(t, addr, out.Who)
}

func TestDecodeAddressRejectsForeignPrefix(t *testing.T) {
	_, err := DecodeAddress("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4")
	require.Error(t, err)
}

func TestDerivedAddressesAreDistinct(t *testing.T) {
	a := DeriveIndexedAddress("lending/market", 1)
	b := DeriveIndexedAddress("lending/market", 2)
	require.NotEqual(t, a, b)
	require.Equal(t, a, DeriveIndexedAddress("lending/market", 1))
}

func TestKeyFileRoundTrip(t *testing.T) {
	key, err := GeneratePrivateKey()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "keys", "operator.json")
	require.NoError(t, WriteKeyFile(path, key, "secret"))

	loaded, err := ReadKeyFile(path, "secret")
	require.NoError(t, err)
	require.Equal(t, key.Address(), loaded.Address())

	_, err = ReadKeyFile(path, "wrong")
	require.Error(t, err)
}
