package wire

import (
	"bytes"
	"errors"
	"testing"
)

func sampleBundle() *Bundle {
	return &Bundle{
		Session: "s1",
		Profiles: []Profile{{
			Function:    "add",
			Hash:        [32]byte{1, 2, 3},
			Invocations: 12,
			Slots:       []Slot{{Kind: 1, Cardinality: 2, Types: 3}},
		}},
	}
}

func TestBundleRoundTrip(t *testing.T) {
	data, err := EncodeBundle(sampleBundle())
	if err != nil {
		t.Fatal(err)
	}
	b, err := DecodeBundle(data)
	if err != nil {
		t.Fatal(err)
	}
	if b.Version != Version {
		t.Errorf("Expected version %d, got %d", Version, b.Version)
	}
	if len(b.Profiles) != 1 {
		t.Fatalf("Expected 1 profile, got %d", len(b.Profiles))
	}
	p := b.Profiles[0]
	if p.Function != "add" || p.Invocations != 12 || p.Hash[2] != 3 {
		t.Errorf("unexpected profile %+v", p)
	}
	if len(p.Slots) != 1 || p.Slots[0].Types != 3 {
		t.Errorf("unexpected slots %+v", p.Slots)
	}
}

func TestBundleVersionMismatch(t *testing.T) {
	b := sampleBundle()
	b.Version = Version + 1
	data, err := EncodeBundle(b)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecodeBundle(data); !errors.Is(err, ErrVersion) {
		t.Errorf("Expected ErrVersion, got %v", err)
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := DecodeBundle([]byte{0xff, 0x00}); err == nil {
		t.Error("Expected an error for garbage input")
	}
}

func TestEncodingIsCanonical(t *testing.T) {
	a, err := EncodeBundle(sampleBundle())
	if err != nil {
		t.Fatal(err)
	}
	b, err := EncodeBundle(sampleBundle())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Error("equal bundles should encode to equal bytes")
	}

	m1 := map[string]int{"a": 1, "b": 2, "c": 3}
	m2 := map[string]int{"c": 3, "b": 2, "a": 1}
	d1, _ := Digest(m1)
	d2, _ := Digest(m2)
	if d1 != d2 {
		t.Error("map digests should not depend on insertion order")
	}
	d3, _ := Digest(map[string]int{"a": 1})
	if d1 == d3 {
		t.Error("different values should digest differently")
	}
}

func TestProfileRoundTrip(t *testing.T) {
	p := sampleBundle().Profiles[0]
	data, err := EncodeProfile(&p)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeProfile(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Function != p.Function || got.Hash != p.Hash {
		t.Errorf("Expected %+v, got %+v", p, got)
	}
}
