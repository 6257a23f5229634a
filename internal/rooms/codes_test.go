package rooms

import (
	"strings"
	"testing"
)

func TestGenerateCode_Length(t *testing.T) {
	for _, n := range []int{4, 5, 8} {
		code, err := GenerateCode(n)
		if err != nil {
			t.Fatal(err)
		}
		if len(code) != n {
			t.Errorf("len(code) = %d, want %d", len(code), n)
		}
	}
}

func TestGenerateCode_Alphabet(t *testing.T) {
	for i := 0; i < 100; i++ {
		code, err := GenerateCode(5)
		if err != nil {
			t.Fatal(err)
		}
		for _, c := range code {
			if !strings.ContainsRune(alphabet, c) {
				t.Fatalf("code %q contains %q, outside the alphabet", code, c)
			}
		}
	}
}

func TestGenerateCode_Varies(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, _ := GenerateCode(5)
		seen[code] = true
	}
	if len(seen) < 2 {
		t.Error("codes should vary")
	}
}
