package pgp

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

func armoredKey(t *testing.T, name, email string) string {
	t.Helper()

	entity, err := openpgp.NewEntity(name, "", email, &packet.Config{Algorithm: packet.PubKeyAlgoEdDSA})
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		t.Fatalf("armor encode: %v", err)
	}
	if err := entity.Serialize(w); err != nil {
		t.Fatalf("serialize key: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close armor: %v", err)
	}
	return buf.String()
}

func TestParsePublicKeyProfile(t *testing.T) {
	key := armoredKey(t, "Alice Example", "alice@example.org")

	p, err := ParsePublicKey(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.Name != "Alice Example" {
		t.Errorf("name = %q", p.Name)
	}
	if p.Email != "alice@example.org" {
		t.Errorf("email = %q", p.Email)
	}
	if len(p.Fingerprint) != 40 {
		t.Errorf("fingerprint length = %d, want 40", len(p.Fingerprint))
	}
	if p.Fingerprint != strings.ToUpper(p.Fingerprint) {
		t.Errorf("fingerprint should be upper-case hex: %q", p.Fingerprint)
	}
}

func TestParsePublicKeyStableFingerprint(t *testing.T) {
	key := armoredKey(t, "Bob", "bob@example.org")

	first, err := ParsePublicKey(key)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := ParsePublicKey(key)
	if err != nil {
		t.Fatalf("parse again: %v", err)
	}
	if first.Fingerprint != second.Fingerprint {
		t.Errorf("fingerprint not stable: %q vs %q", first.Fingerprint, second.Fingerprint)
	}
}

func TestParsePublicKeyRejectsGarbage(t *testing.T) {
	cases := []string{
		"",
		"not a key at all",
		"-----BEGIN PGP PUBLIC KEY BLOCK-----\n\nbm90IGEga2V5\n-----END PGP PUBLIC KEY BLOCK-----",
	}
	for _, c := range cases {
		if _, err := ParsePublicKey(c); err == nil {
			t.Errorf("expected error for %q", c)
		}
	}
}

func TestLooksLikePublicKey(t *testing.T) {
	key := armoredKey(t, "Carol", "carol@example.org")
	if !LooksLikePublicKey(key) {
		t.Error("generated key should pass the structural check")
	}
	if LooksLikePublicKey("-----BEGIN PGP MESSAGE-----\nabc\n-----END PGP MESSAGE-----") {
		t.Error("message armor is not a public key")
	}
	if LooksLikePublicKey("plain text") {
		t.Error("plain text is not a public key")
	}
}

func TestLooksLikeEncryptedMessage(t *testing.T) {
	msg := "-----BEGIN PGP MESSAGE-----\n\nhQEMA0GVx2...\n-----END PGP MESSAGE-----"
	if !LooksLikeEncryptedMessage(msg) {
		t.Error("armored message should pass the structural check")
	}
	if LooksLikeEncryptedMessage("-----BEGIN PGP MESSAGE-----\nmissing footer") {
		t.Error("truncated armor should fail")
	}
	if LooksLikeEncryptedMessage(armoredKey(t, "D", "d@example.org")) {
		t.Error("a public key is not an encrypted message")
	}
}

func TestSplitUserID(t *testing.T) {
	cases := []struct {
		raw         string
		name, email string
	}{
		{"Alice <alice@example.org>", "Alice", "alice@example.org"},
		{"Alice Example <alice@example.org>", "Alice Example", "alice@example.org"},
		{"bob@example.org", "bob", "bob@example.org"},
		{"Just A Name", "Just A Name", ""},
	}
	for _, c := range cases {
		name, email := splitUserID(c.raw)
		if name != c.name || email != c.email {
			t.Errorf("splitUserID(%q) = (%q, %q), want (%q, %q)", c.raw, name, email, c.name, c.email)
		}
	}
}
