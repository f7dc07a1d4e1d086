package feed

import (
	"crypto/sha1" //nolint:gosec // the feed protocol defines the secret hash as SHA-1
	"encoding/hex"
	"log/slog"
)

// Credential is the hashed shared secret sent with authorize. It is
// derived once per Session and never recomputed.
type Credential string

// DeriveCredential returns hash when set, otherwise the lowercase hex
// SHA-1 of secret, otherwise the empty credential.
func DeriveCredential(secret, hash string) Credential {
	if hash != "" {
		return Credential(hash)
	}
	if secret == "" {
		return ""
	}
	sum := sha1.Sum([]byte(secret)) //nolint:gosec
	return Credential(hex.EncodeToString(sum[:]))
}

// Empty reports whether no credential is configured.
func (c Credential) Empty() bool { return c == "" }

// LogValue keeps the hash out of logs.
func (c Credential) LogValue() slog.Value {
	if c.Empty() {
		return slog.StringValue("none")
	}
	return slog.StringValue("[redacted]")
}
