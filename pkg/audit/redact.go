package audit

import (
	"crypto/sha256"
	"encoding/hex"
)

func redactRecord(rec Record, salt []byte) Record {
	rec.ActorIDHash = hashString(rec.ActorIDHash, salt)
	return rec
}

func hashString(v string, salt []byte) string {
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
