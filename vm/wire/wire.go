// Package wire defines the portable, canonically encoded forms of engine
// state: feedback profiles for warm starts and the digests that identify
// function bytecode and compiled code.
package wire

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Version is the profile bundle format version.
const Version = 1

// ErrVersion is returned for bundles written by an incompatible version.
var ErrVersion = errors.New("unsupported profile bundle version")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 20,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes v as canonical CBOR: equal values give equal bytes.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR into v, rejecting duplicate map keys.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Digest returns the SHA-256 of v's canonical encoding.
func Digest(v any) ([32]byte, error) {
	data, err := encMode.Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Slot is the portable part of one feedback slot. Shapes and call targets
// are heap identities and do not survive a restart; only their cardinality
// does.
type Slot struct {
	Kind        uint8 `cbor:"1,keyasint"`
	Cardinality uint8 `cbor:"2,keyasint"`
	Types       uint8 `cbor:"3,keyasint,omitempty"`
	Elements    uint8 `cbor:"4,keyasint,omitempty"`
	Branch      uint8 `cbor:"5,keyasint,omitempty"`
}

// Profile is the feedback of one function. Hash ties it to the exact
// bytecode it was recorded against.
type Profile struct {
	Function    string   `cbor:"1,keyasint"`
	Hash        [32]byte `cbor:"2,keyasint"`
	Invocations uint64   `cbor:"3,keyasint,omitempty"`
	Deopts      uint32   `cbor:"4,keyasint,omitempty"`
	Slots       []Slot   `cbor:"5,keyasint"`
}

// Bundle is a set of profiles written together.
type Bundle struct {
	Version  int       `cbor:"1,keyasint"`
	Session  string    `cbor:"2,keyasint,omitempty"`
	Profiles []Profile `cbor:"3,keyasint"`
}

// EncodeBundle serializes b.
func EncodeBundle(b *Bundle) ([]byte, error) {
	if b.Version == 0 {
		b.Version = Version
	}
	data, err := encMode.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("encode profile bundle: %w", err)
	}
	return data, nil
}

// DecodeBundle parses a bundle written by EncodeBundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode profile bundle: %w", err)
	}
	if b.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, b.Version)
	}
	return &b, nil
}

// EncodeProfile serializes a single profile.
func EncodeProfile(p *Profile) ([]byte, error) {
	return encMode.Marshal(p)
}

// DecodeProfile parses a single profile.
func DecodeProfile(data []byte) (*Profile, error) {
	var p Profile
	if err := decMode.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &p, nil
}
