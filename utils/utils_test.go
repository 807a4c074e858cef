package utils

import (
	"testing"
)

func TestPrepend(t *testing.T) {
	t.Parallel()

	tests := []struct {
		dst, src []byte
		want     string
	}{
		{dst: []byte("abcdef"), src: []byte("sha256="), want: "sha256=abcdef"},
		{dst: make([]byte, 0, 16), src: []byte("x"), want: "x"},
		{dst: []byte("abc"), src: nil, want: "abc"},
	}

	for _, test := range tests {
		got := string(Prepend(test.dst, test.src))
		if got != test.want {
			t.Fatalf("got %q, want %q", got, test.want)
		}
	}
}

func TestPrependDoesNotAllocateWithSpareCapacity(t *testing.T) {
	dst := make([]byte, 3, 10)
	copy(dst, "abc")
	before := &dst[:1][0]

	dst = Prepend(dst, []byte("12"))
	if string(dst) != "12abc" {
		t.Fatalf("got %q, want %q", dst, "12abc")
	}
	if &dst[0] != before {
		t.Fatal("expected prepend to reuse the underlying array")
	}
}

func TestStringToByte(t *testing.T) {
	t.Parallel()

	if got := StringToByte(""); got != nil {
		t.Fatalf("expected nil for empty string, got %v", got)
	}
	if got := string(StringToByte("sha256=")); got != "sha256=" {
		t.Fatalf("got %q, want %q", got, "sha256=")
	}
}
