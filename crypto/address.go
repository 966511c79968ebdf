package crypto

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix is the human-readable bech32 prefix for every account.
const AddressPrefix = "lend"

// AddressLength is the number of raw bytes in an address.
const AddressLength = 20

// Address identifies an account. The zero value is the empty address and never
// owns funds.
type Address [AddressLength]byte

// BytesToAddress converts raw bytes into an address.
func BytesToAddress(b []byte) (Address, error) {
	var addr Address
	if len(b) != AddressLength {
		return addr, fmt.Errorf("address must be %d bytes long, got %d", AddressLength, len(b))
	}
	copy(addr[:], b)
	return addr, nil
}

// DeriveAddress deterministically derives a keyless account from the provided
// seed components. It is used for module and per-market sub-accounts, which are
// therefore isolated by construction.
func DeriveAddress(parts ...[]byte) Address {
	hash := crypto.Keccak256(append([][]byte{[]byte("derive:")}, parts...)...)
	var addr Address
	copy(addr[:], hash[len(hash)-AddressLength:])
	return addr
}

// DeriveIndexedAddress is DeriveAddress with a trailing big-endian index.
func DeriveIndexedAddress(label string, index uint64) Address {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], index)
	return DeriveAddress([]byte(label), buf[:])
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a[:]...)
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Compare orders addresses by their raw bytes.
func (a Address) Compare(other Address) int {
	return bytes.Compare(a[:], other[:])
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a[:], 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(AddressPrefix, conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// MarshalText renders the bech32 form so addresses appear readable in JSON.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	decoded, err := DecodeAddress(string(text))
	if err != nil {
		return err
	}
	*a = decoded
	return nil
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(strings.TrimSpace(addrStr))
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != AddressPrefix {
		return Address{}, fmt.Errorf("unexpected address prefix %q", prefix)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return BytesToAddress(conv)
}
