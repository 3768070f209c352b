package util

import "testing"

func TestHMACIPGroupsByPrefix(t *testing.T) {
	key := []byte("k")
	if HMACIP("203.0.113.7", key) != HMACIP("203.0.113.200", key) {
		t.Error("same /24 should anonymize identically")
	}
	if HMACIP("203.0.113.7", key) == HMACIP("203.0.114.7", key) {
		t.Error("different /24 should differ")
	}
	if HMACIP("2001:db8:1::1", key) != HMACIP("2001:db8:1:ffff::9", key) {
		t.Error("same /48 should anonymize identically")
	}
	if got := HMACIP("nope", key); got != "unknown" {
		t.Errorf("invalid ip: got %q", got)
	}
}

func TestIPMasker(t *testing.T) {
	off := NewIPMasker("")
	if off.Mask("1.2.3.4") != "1.2.3.4" {
		t.Error("disabled masker must pass ips through")
	}
	on := NewIPMasker("secret")
	if got := on.Mask("1.2.3.4"); got == "1.2.3.4" || len(got) != 16 {
		t.Errorf("masked ip = %q", got)
	}
	if on.Mask("") != "" {
		t.Error("empty ip should stay empty")
	}
}
