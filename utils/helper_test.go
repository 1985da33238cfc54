package utils

import "testing"

func TestParseDecimal_AcceptsFormattedStrings(t *testing.T) {
	cases := []struct {
		in       string
		expected string
	}{
		{"20000", "20000"},
		{"20,000", "20000"},
		{"USD 20,000", "20000"},
		{"USD -20,000", "-20000"},
		{"  eur 1,234.50  ", "1234.5"},
	}
	for _, tc := range cases {
		d, err := ParseDecimal(tc.in)
		if err != nil {
			t.Fatalf("ParseDecimal(%q) error: %v", tc.in, err)
		}
		if d.String() != tc.expected {
			t.Fatalf("ParseDecimal(%q) expected %s, got %s", tc.in, tc.expected, d.String())
		}
	}
}

func TestParseDecimal_EmptyIsZero(t *testing.T) {
	d, err := ParseDecimal("   ")
	if err != nil {
		t.Fatalf("ParseDecimal blank: %v", err)
	}
	if !d.IsZero() {
		t.Fatalf("expected zero, got %s", d)
	}
}

func TestParseDecimal_RejectsGarbage(t *testing.T) {
	for _, in := range []string{"abc", "12..5"} {
		if _, err := ParseDecimal(in); err == nil {
			t.Fatalf("ParseDecimal(%q) expected error", in)
		}
	}
}

func TestUniqueSlice(t *testing.T) {
	got := UniqueSlice([]int{3, 1, 3, 2, 1})
	if len(got) != 3 {
		t.Fatalf("expected 3 uniques, got %v", got)
	}
}

func TestDereferencePtr(t *testing.T) {
	v := 7
	if DereferencePtr(&v) != 7 {
		t.Fatal("expected pointed value")
	}
	if DereferencePtr[int](nil) != 0 {
		t.Fatal("expected zero value for nil")
	}
	if DereferencePtr(nil, 42) != 42 {
		t.Fatal("expected provided default for nil")
	}
}

func TestNilIfEmpty(t *testing.T) {
	if NilIfEmpty("") != nil {
		t.Fatal("expected nil for empty string")
	}
	if p := NilIfEmpty("x"); p == nil || *p != "x" {
		t.Fatalf("expected pointer to x, got %v", p)
	}
}
