package diff

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// fingerprintDomain separates content fingerprints from any other SHA-256
// use of the same bytes.
const fingerprintDomain = "cascade/content/v1"

// FingerprintLength is the number of hex characters kept (128 bits).
const FingerprintLength = 32

// Fingerprint hashes text fields in the order given. Each field is
// prefixed with its byte length, so no choice of field contents can make
// two different field lists hash alike. Callers must pass fields in a
// stable, declared order.
func Fingerprint(fields ...string) string {
	h := sha256.New()
	h.Write([]byte(fingerprintDomain))
	var size [8]byte
	for _, f := range fields {
		binary.BigEndian.PutUint64(size[:], uint64(len(f)))
		h.Write(size[:])
		h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))[:FingerprintLength]
}
