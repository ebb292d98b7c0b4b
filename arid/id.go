// Package arid provides the Arweave identifier type shared by transaction
// ids, data item ids, and owner addresses: 32 bytes rendered as unquoted,
// unpadded base64url.
package arid

import (
	"crypto/rand"
	"database/sql/driver"
	"encoding/base64"
	"errors"
	"fmt"
)

// Size is the number of raw bytes backing an ID.
const Size = 32

// EncodedLen is the length of an ID rendered as base64url without padding.
const EncodedLen = 43

// ErrInvalidLength is returned when a string cannot be parsed as an ID.
var ErrInvalidLength = errors.New("arid: invalid identifier length")

// ID is a 32-byte Arweave identifier. The zero value is the all-zero ID,
// which is distinct from "unset" in every caller that cares about that
// distinction (see rootDataItemOffset == 0 in the parent-chain resolver).
type ID [Size]byte

// New generates a random ID using a cryptographically secure source.
func New() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("arid: generate: %w", err)
	}
	return id, nil
}

// FromBytes copies raw bytes into an ID, failing if the length is wrong.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Size {
		return id, fmt.Errorf("%w: got %d bytes", ErrInvalidLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Parse decodes a base64url (unpadded) string into an ID.
func Parse(s string) (ID, error) {
	var id ID
	if len(s) != EncodedLen {
		return id, fmt.Errorf("%w: got %d chars", ErrInvalidLength, len(s))
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("arid: decode %q: %w", s, err)
	}
	return FromBytes(b)
}

// MustParse is Parse but panics on error; reserved for constants in tests.
func MustParse(s string) ID {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// String renders the ID as base64url without padding.
func (id ID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// IsZero reports whether id is the all-zero identifier.
func (id ID) IsZero() bool {
	return id == ID{}
}

// Bytes returns a copy of the raw 32 bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Size)
	copy(out, id[:])
	return out
}

// MarshalText implements encoding.TextMarshaler so an ID serializes as its
// base64url form in JSON responses and similar text formats.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Value implements database/sql/driver.Valuer, storing the ID as its
// base64url text form.
func (id ID) Value() (driver.Value, error) {
	return id.String(), nil
}

// Scan implements sql.Scanner, accepting either the text form or raw bytes.
func (id *ID) Scan(src any) error {
	switch v := src.(type) {
	case string:
		parsed, err := Parse(v)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case []byte:
		if len(v) == Size {
			parsed, err := FromBytes(v)
			if err != nil {
				return err
			}
			*id = parsed
			return nil
		}
		parsed, err := Parse(string(v))
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	case nil:
		*id = ID{}
		return nil
	default:
		return fmt.Errorf("arid: cannot scan %T into ID", src)
	}
}
