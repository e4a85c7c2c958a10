package central

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// baseUUID is the Bluetooth SIG base UUID, 0000xxxx-0000-1000-8000-00805F9B34FB.
var baseUUID = uuid.UUID{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x10, 0x00,
	0x80, 0x00, 0x00, 0x80, 0x5f, 0x9b, 0x34, 0xfb,
}

// ServiceID16 expands a 16-bit assigned number onto the Bluetooth base UUID.
func ServiceID16(short uint16) uuid.UUID {
	id := baseUUID
	id[2] = byte(short >> 8)
	id[3] = byte(short)
	return id
}

// ServiceID32 expands a 32-bit assigned number onto the Bluetooth base UUID.
func ServiceID32(short uint32) uuid.UUID {
	id := baseUUID
	id[0] = byte(short >> 24)
	id[1] = byte(short >> 16)
	id[2] = byte(short >> 8)
	id[3] = byte(short)
	return id
}

// ParseServiceID accepts the 16-bit ("180D", "0x180d"), 32-bit or full
// 128-bit textual form of a service identifier.
func ParseServiceID(s string) (uuid.UUID, error) {
	t := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	switch len(t) {
	case 4:
		v, err := strconv.ParseUint(t, 16, 16)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid 16-bit service id %q: %w", s, err)
		}
		return ServiceID16(uint16(v)), nil
	case 8:
		v, err := strconv.ParseUint(t, 16, 32)
		if err != nil {
			return uuid.Nil, fmt.Errorf("invalid 32-bit service id %q: %w", s, err)
		}
		return ServiceID32(uint32(v)), nil
	}
	id, err := uuid.Parse(t)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid service id %q: %w", s, err)
	}
	return id, nil
}

// ParseServiceIDs parses every entry of ss, failing on the first bad one.
func ParseServiceIDs(ss []string) ([]uuid.UUID, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		id, err := ParseServiceID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ShortServiceID reports the 16-bit form of id if it sits on the base UUID.
func ShortServiceID(id uuid.UUID) (uint16, bool) {
	if id[0] != 0 || id[1] != 0 || [12]byte(id[4:]) != [12]byte(baseUUID[4:]) {
		return 0, false
	}
	return uint16(id[2])<<8 | uint16(id[3]), true
}

// AddressMapper turns radio addresses into opaque peripheral identifiers.
// The mapping is keyed, so identifiers are stable for one key but do not
// reveal the address they were derived from.
type AddressMapper struct {
	key []byte
}

// IdentityKeySize is the length of keys produced by NewIdentityKey.
const IdentityKeySize = 32

// NewIdentityKey returns a fresh random mapping key.
func NewIdentityKey() ([]byte, error) {
	key := make([]byte, IdentityKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}
	return key, nil
}

// NewAddressMapper creates a mapper. A nil key still yields stable
// identifiers, only unkeyed ones.
func NewAddressMapper(key []byte) (*AddressMapper, error) {
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("identity key too long: %d bytes", len(key))
	}
	return &AddressMapper{key: append([]byte(nil), key...)}, nil
}

// Identifier returns the identifier for a radio address. Addresses are
// compared case-insensitively.
func (m *AddressMapper) Identifier(address string) uuid.UUID {
	h, _ := blake2b.New256(m.key)
	h.Write([]byte(strings.ToUpper(strings.TrimSpace(address))))
	sum := h.Sum(nil)

	var id uuid.UUID
	copy(id[:], sum[:16])
	// version 8 (custom), RFC 4122 variant
	id[6] = (id[6] & 0x0f) | 0x80
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

func containsID(ids []uuid.UUID, id uuid.UUID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func intersects(a, b []uuid.UUID) bool {
	for _, v := range a {
		if containsID(b, v) {
			return true
		}
	}
	return false
}

func cloneIDs(ids []uuid.UUID) []uuid.UUID {
	if ids == nil {
		return nil
	}
	return append([]uuid.UUID(nil), ids...)
}
