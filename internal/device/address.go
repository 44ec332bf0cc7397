package device

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var macPattern = regexp.MustCompile(`^([0-9A-F]{2}:){5}[0-9A-F]{2}$`)

// NormalizeAddress canonicalizes a peripheral address. MAC addresses become upper case
// with colons (dashes are accepted); platform identifiers in UUID form (macOS) become
// lower case. Anything else is returned trimmed and upper-cased.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if u, err := uuid.Parse(addr); err == nil {
		return u.String()
	}
	return strings.ToUpper(strings.ReplaceAll(addr, "-", ":"))
}

// ValidateAddress returns the normalized address or ErrInvalidAddress.
func ValidateAddress(addr string) (string, error) {
	if strings.TrimSpace(addr) == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}
	n := NormalizeAddress(addr)
	if macPattern.MatchString(n) {
		return n, nil
	}
	if _, err := uuid.Parse(n); err == nil {
		return n, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
}

// SameAddress compares two addresses after normalization.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return NormalizeAddress(a) == NormalizeAddress(b)
}

// Bluetooth SIG base UUID, used to expand 16-bit attribute identifiers.
const baseUUIDSuffix = "-0000-1000-8000-00805f9b34fb"

// Well-known attribute identifiers.
var (
	// ClientCharacteristicConfig is the CCCD descriptor (0x2902).
	ClientCharacteristicConfig = MustParseAttributeUUID("2902")

	EnableNotificationValue  = []byte{0x01, 0x00}
	DisableNotificationValue = []byte{0x00, 0x00}
)

// ParseAttributeUUID accepts 16-bit ("2902", "0x2902"), 32-bit and full 128-bit forms.
func ParseAttributeUUID(s string) (uuid.UUID, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.TrimPrefix(s, "0x")
	switch len(s) {
	case 4:
		s = "0000" + s + baseUUIDSuffix
	case 8:
		s = s + baseUUIDSuffix
	}
	u, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid attribute UUID %q: %w", s, err)
	}
	return u, nil
}

// MustParseAttributeUUID is ParseAttributeUUID for package-level constants.
func MustParseAttributeUUID(s string) uuid.UUID {
	u, err := ParseAttributeUUID(s)
	if err != nil {
		panic(err)
	}
	return u
}

// ShortenUUID returns the 16-bit form for SIG base UUIDs and the full string otherwise.
func ShortenUUID(u uuid.UUID) string {
	s := u.String()
	if strings.HasPrefix(s, "0000") && strings.HasSuffix(s, baseUUIDSuffix) {
		return s[4:8]
	}
	return s
}
