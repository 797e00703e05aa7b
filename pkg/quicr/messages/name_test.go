// SPDX-FileCopyrightText: 2023 Hactar Contributors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package messages

import (
	"encoding/json"
	"testing"
)

func TestParseName(t *testing.T) {
	tests := []struct {
		in    string
		name  Name
		valid bool
	}{
		{"0x0", NewName(0, 0), true},
		{"ab", NewName(0, 0xab), true},
		{"0xAB000000000000000000000000000001", NewName(0xab00000000000000, 1), true},
		{"0x1ffffffffffffffff", NewName(1, 0xffffffffffffffff), true},
		{"", Name{}, false},
		{"0x", Name{}, false},
		{"0xg", Name{}, false},
		{"0x100000000000000000000000000000000", Name{}, false},
	}

	for _, test := range tests {
		name, err := ParseName(test.in)
		if (err == nil) != test.valid {
			t.Fatalf("ParseName(%q) errored: %v", test.in, err)
		}
		if test.valid && name != test.name {
			t.Fatalf("ParseName(%q) = %v, expected %v", test.in, name, test.name)
		}
	}
}

func TestNameStringBytes(t *testing.T) {
	name := NewName(0xab01020304050607, 0x08090a0b0c0d0e0f)

	if s := name.String(); s != "0xab0102030405060708090a0b0c0d0e0f" {
		t.Fatalf("String is %q", s)
	}
	if parsed := MustParseName(name.String()); parsed != name {
		t.Fatalf("parsed %v", parsed)
	}

	b := name.Bytes()
	if len(b) != NameLength || b[0] != 0xab || b[15] != 0x0f {
		t.Fatalf("Bytes are %x", b)
	}
	if fromBytes, err := NameFromBytes(b); err != nil || fromBytes != name {
		t.Fatalf("NameFromBytes: %v, %v", fromBytes, err)
	}
	if _, err := NameFromBytes(b[1:]); err == nil {
		t.Fatal("NameFromBytes accepted 15 bytes")
	}
}

func TestNameShift(t *testing.T) {
	name := NewName(0, 1)

	if n := name.Shl(64); n != NewName(1, 0) {
		t.Fatalf("Shl(64) = %v", n)
	}
	if n := name.Shl(127); n != NewName(1<<63, 0) {
		t.Fatalf("Shl(127) = %v", n)
	}
	if n := name.Shl(128); n != (Name{}) {
		t.Fatalf("Shl(128) = %v", n)
	}
	if n := NewName(1, 0).Shr(1); n != NewName(0, 1<<63) {
		t.Fatalf("Shr(1) = %v", n)
	}
	if n := name.Shl(70).Shr(70); n != name {
		t.Fatalf("shifting back and forth = %v", n)
	}
	if !NewName(0, 5).Less(NewName(1, 0)) || NewName(1, 0).Less(NewName(0, 5)) {
		t.Fatal("Less does not compare the high bits first")
	}
}

func TestNamespaceContains(t *testing.T) {
	tests := []struct {
		ns       string
		name     string
		contains bool
	}{
		{"0xab000000000000000000000000000000/8", "0xab010000000000000000000000000000", true},
		{"0xab000000000000000000000000000000/8", "0xac010000000000000000000000000000", false},
		{"0xab000000000000000000000000000000/16", "0xab010000000000000000000000000000", false},
		{"0x0/0", "0xffffffffffffffffffffffffffffffff", true},
		{"0xa11ce000000000000000000000000000/84", "0xa11ce000000000000000000000000fff", true},
		{"0xa11ce000000000000000000000000000/84", "0xa11ce000000000000001000000000000", false},
		{"0x1/128", "0x1", true},
		{"0x1/128", "0x2", false},
		{"0x0000000000000000f000000000000000/65", "0x00000000000000008000000000000000", true},
		{"0x0000000000000000f000000000000000/65", "0x00000000000000000000000000000000", false},
	}

	for _, test := range tests {
		ns, err := ParseNamespace(test.ns)
		if err != nil {
			t.Fatal(err)
		}
		if c := ns.Contains(MustParseName(test.name)); c != test.contains {
			t.Fatalf("%v contains %s: %t", ns, test.name, c)
		}
	}
}

func TestParseNamespace(t *testing.T) {
	ns, err := ParseNamespace("0xab/8")
	if err != nil {
		t.Fatal(err)
	}
	if expected := NewNamespace(NewName(0, 0xab), 8); ns != expected {
		t.Fatalf("parsed %v, expected %v", ns, expected)
	}
	if s := ns.String(); s != "0x000000000000000000000000000000ab/8" {
		t.Fatalf("String is %q", s)
	}

	for _, invalid := range []string{"0xab", "0xab/", "0xab/129", "/8", "0xab/-1"} {
		if _, err := ParseNamespace(invalid); err == nil {
			t.Fatalf("ParseNamespace(%q) did not fail", invalid)
		}
	}

	if n := NewNamespace(Name{}, 200); n.Length != 128 {
		t.Fatalf("length was not capped: %d", n.Length)
	}
}

func TestNamespaceJSON(t *testing.T) {
	in := map[Namespace]Name{
		NewNamespace(NewName(0xab00000000000000, 0), 8): NewName(0xab01000000000000, 0),
	}

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}

	var out map[Namespace]Name
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("decoded %v from %s", out, data)
	}
	for ns, name := range out {
		if name != in[ns] {
			t.Fatalf("decoded %v from %s", out, data)
		}
	}
}

func TestNamespaceContainsNamespace(t *testing.T) {
	outer := NewNamespace(MustParseName("0xab000000000000000000000000000000"), 8)
	inner := NewNamespace(MustParseName("0xab120000000000000000000000000000"), 16)

	if !outer.ContainsNamespace(inner) {
		t.Fatal("outer does not contain inner")
	}
	if inner.ContainsNamespace(outer) {
		t.Fatal("inner contains outer")
	}
}
