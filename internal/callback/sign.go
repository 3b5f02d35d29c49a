package callback

import (
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

const signParam = "sign="

// CanonicalQuery is the exact byte string a worker signs: the raw query up to
// the literal "sign=", without the separator before it.
func CanonicalQuery(rawQuery string) string {
	if idx := strings.Index(rawQuery, signParam); idx >= 0 {
		rawQuery = strings.TrimSuffix(rawQuery[:idx], "&")
	}
	return strings.TrimSpace(rawQuery)
}

// Sign returns hex(SHA1(canonical + salt)).
func Sign(canonical, salt string) string {
	sum := sha1.Sum([]byte(canonical + salt))
	return hex.EncodeToString(sum[:])
}

func Verify(canonical, signature, salt string) bool {
	want := Sign(canonical, salt)
	return subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToLower(signature))) == 1
}

// SignQuery appends the sign parameter to rawQuery the way a worker does.
func SignQuery(rawQuery, salt string) string {
	canonical := CanonicalQuery(rawQuery)
	return canonical + "&" + signParam + Sign(canonical, salt)
}
