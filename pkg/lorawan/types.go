package lorawan

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// ParseEUI64 parses a hex encoded EUI64, case-insensitive, with optional dashes or colons
func ParseEUI64(s string) (EUI64, error) {
	var eui EUI64

	s = strings.NewReplacer("-", "", ":", "").Replace(strings.TrimSpace(s))
	if len(s) != 16 {
		return eui, fmt.Errorf("invalid EUI64 length: %d", len(s))
	}

	b, err := hex.DecodeString(s)
	if err != nil {
		return eui, fmt.Errorf("decode EUI64: %w", err)
	}

	copy(eui[:], b)
	return eui, nil
}

// String returns hex string representation
func (e EUI64) String() string {
	return strings.ToUpper(hex.EncodeToString(e[:]))
}

// IsZero reports whether all bytes are zero
func (e EUI64) IsZero() bool {
	return e == EUI64{}
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler. Empty strings decode to the zero EUI.
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	if s == "" {
		*e = EUI64{}
		return nil
	}

	eui, err := ParseEUI64(s)
	if err != nil {
		return err
	}

	*e = eui
	return nil
}
