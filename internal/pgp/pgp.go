// Package pgp is the coordinator's cryptographic collaborator: it parses
// armored public keys into stable identity profiles and performs structural
// checks on armored blocks. Nothing here decrypts anything; message payloads
// stay opaque to the server.
package pgp

import (
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
)

// Profile is the identity material extracted from a public key. Fingerprint
// is the stable identity reused across reconnects; it is never generated
// server-side.
type Profile struct {
	Fingerprint string // upper-case hex
	Name        string
	Email       string
}

const (
	publicKeyHeader = "-----BEGIN PGP PUBLIC KEY BLOCK-----"
	publicKeyFooter = "-----END PGP PUBLIC KEY BLOCK-----"
	messageHeader   = "-----BEGIN PGP MESSAGE-----"
	messageFooter   = "-----END PGP MESSAGE-----"
)

// LooksLikePublicKey reports whether block is structurally an armored PGP
// public key. It is a cheap gate before real parsing, not a validation.
func LooksLikePublicKey(block string) bool {
	return strings.Contains(block, publicKeyHeader) && strings.Contains(block, publicKeyFooter)
}

// LooksLikeEncryptedMessage reports whether block is structurally an armored
// PGP message envelope. The coordinator relays payloads that pass this check
// without ever reading their plaintext.
func LooksLikeEncryptedMessage(block string) bool {
	return strings.Contains(block, messageHeader) && strings.Contains(block, messageFooter)
}

// userIDPattern splits "Name <email>" user IDs.
var userIDPattern = regexp.MustCompile(`^(.+?)\s*<([^>]+)>$`)

// ParsePublicKey parses an armored public key and derives the participant's
// identity profile. A key that fails to parse is a registration error; there
// is deliberately no fallback to a locally computed pseudo-identity.
func ParsePublicKey(armored string) (Profile, error) {
	ring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return Profile{}, fmt.Errorf("read armored key: %w", err)
	}
	if len(ring) == 0 {
		return Profile{}, fmt.Errorf("armored block contains no keys")
	}

	entity := ring[0]
	fingerprint := strings.ToUpper(hex.EncodeToString(entity.PrimaryKey.Fingerprint))

	name, email := primaryUserID(entity)
	if name == "" {
		// Key carries no usable user ID; derive a display name from the
		// fingerprint so the identity stays stable across reconnects.
		name = "User_" + strings.ToLower(fingerprint[:8])
	}
	if email == "" {
		email = strings.ReplaceAll(strings.ToLower(name), " ", "") + "@example.com"
	}

	return Profile{Fingerprint: fingerprint, Name: name, Email: email}, nil
}

// primaryUserID extracts name and email from the entity's user IDs,
// iterating in sorted order so the result is deterministic.
func primaryUserID(entity *openpgp.Entity) (name, email string) {
	ids := make([]string, 0, len(entity.Identities))
	for id := range entity.Identities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		identity := entity.Identities[id]
		if identity.UserId != nil && (identity.UserId.Name != "" || identity.UserId.Email != "") {
			return strings.TrimSpace(identity.UserId.Name), strings.TrimSpace(identity.UserId.Email)
		}
		if raw := strings.TrimSpace(id); raw != "" {
			return splitUserID(raw)
		}
	}
	return "", ""
}

// splitUserID parses a raw "Name <email>" string, falling back to treating
// the whole string as an address or a bare name.
func splitUserID(raw string) (name, email string) {
	if m := userIDPattern.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
	}
	if strings.Contains(raw, "@") {
		email = raw
		name = strings.SplitN(raw, "@", 2)[0]
		return name, email
	}
	return raw, ""
}
