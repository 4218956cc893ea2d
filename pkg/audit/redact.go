package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashCaller produces the salted caller digest stored in audit rows, so
// the decision log never holds raw principal identifiers.
func HashCaller(caller string, salt []byte) string {
	payload := make([]byte, 0, len(salt)+len(caller))
	payload = append(payload, salt...)
	payload = append(payload, caller...)
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
