package fingerprint

import (
	"strings"
	"testing"
)

func TestOf_KnownVector(t *testing.T) {
	// sha256("abc")
	want := Fingerprint("ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad")
	if got := Of([]byte("abc")); got != want {
		t.Fatalf("Of(abc): got %q, want %q", got, want)
	}
	if got := OfString("abc"); got != want {
		t.Fatalf("OfString(abc): got %q, want %q", got, want)
	}
}

func TestOf_Stable(t *testing.T) {
	body := []byte("window.dataLayer = window.dataLayer || [];")
	a, b := Of(body), Of(append([]byte(nil), body...))
	if a != b {
		t.Fatalf("same bytes, different fingerprints: %q vs %q", a, b)
	}
	if len(a) != Size {
		t.Fatalf("length: got %d, want %d", len(a), Size)
	}
}

func TestOf_BitFlip(t *testing.T) {
	body := []byte("ABCDEFGHIJ")
	flipped := append([]byte(nil), body...)
	flipped[3] ^= 0x01
	if Of(body) == Of(flipped) {
		t.Fatal("single bit flip produced identical fingerprint")
	}
}

func TestParse(t *testing.T) {
	upper := strings.ToUpper(string(Of([]byte("x"))))
	got, err := Parse(upper)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got != Of([]byte("x")) {
		t.Errorf("Parse: got %q, want lowercased digest", got)
	}

	for _, bad := range []string{"", "abc", strings.Repeat("z", Size), strings.Repeat("a", Size+1)} {
		if _, err := Parse(bad); err != ErrInvalid {
			t.Errorf("Parse(%q): got %v, want ErrInvalid", bad, err)
		}
	}
}

func TestShort(t *testing.T) {
	fp := Of([]byte("x"))
	if got := fp.Short(); len(got) != 12 || !strings.HasPrefix(string(fp), got) {
		t.Errorf("Short: got %q", got)
	}
}
