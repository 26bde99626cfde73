package helper

import (
	"strings"
	"testing"
)

func TestGeneratePeerID(t *testing.T) {
	a := GeneratePeerID()
	b := GeneratePeerID()
	if !strings.HasPrefix(string(a[:]), clientPrefix) {
		t.Fatalf("peer id %q lacks prefix %q", a, clientPrefix)
	}
	if a == b {
		t.Fatal("two generated peer ids are equal")
	}
	for _, c := range a[len(clientPrefix):] {
		if !strings.ContainsRune(symbols, rune(c)) {
			t.Fatalf("unexpected byte %q in peer id", c)
		}
	}
}

func TestGenerateRandomID(t *testing.T) {
	if got := len(GenerateRandomID(4)); got != 4 {
		t.Fatalf("len = %d, want 4", got)
	}
}
