package insteon

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a 3-byte Insteon device identifier.
//
// Addresses are comparable values and are used directly as map keys.
type Address [3]byte

// ModemAddress is the reserved logical address used for conversations with
// the modem itself (modem database reads, scene commands). The modem also
// has its own real address, learned at start-up.
var ModemAddress = Address{}

// addrHexLen is the length of an address written without separators.
const addrHexLen = 6

// ParseAddress parses an address string.
//
// Accepts formats:
//   - "aa.bb.cc" (the form used in logs and topics)
//   - "aa:bb:cc" or "aa-bb-cc"
//   - "aabbcc"
//
// Parameters:
//   - s: Address string, case insensitive
//
// Returns:
//   - Address: Parsed address
//   - error: ErrInvalidAddress if parsing fails
func ParseAddress(s string) (Address, error) {
	clean := strings.NewReplacer(".", "", ":", "", "-", "", " ", "").Replace(strings.TrimSpace(s))
	if len(clean) != addrHexLen {
		return Address{}, fmt.Errorf("%w: expected 3 hex bytes, got %q", ErrInvalidAddress, s)
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %q: %w", ErrInvalidAddress, s, err)
	}

	var a Address
	copy(a[:], raw)
	return a, nil
}

// MustParseAddress is ParseAddress for constants in tests and tables.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// AddressFromUint32 builds an address from the low 24 bits of v.
func AddressFromUint32(v uint32) Address {
	return Address{byte(v >> 16), byte(v >> 8), byte(v)} //nolint:gosec // truncation to bytes is the encoding
}

// String returns the address as "aa.bb.cc".
func (a Address) String() string {
	return fmt.Sprintf("%02x.%02x.%02x", a[0], a[1], a[2])
}

// Hex returns the address as "aabbcc". Used in MQTT topics and file names.
func (a Address) Hex() string {
	return hex.EncodeToString(a[:])
}

// Uint32 returns the address as a 24-bit integer.
func (a Address) Uint32() uint32 {
	return uint32(a[0])<<16 | uint32(a[1])<<8 | uint32(a[2])
}

// IsZero reports whether a is the reserved modem address.
func (a Address) IsZero() bool {
	return a == Address{}
}

// MarshalText implements encoding.TextMarshaler so addresses serialise as
// "aa.bb.cc" in JSON and YAML.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
