// sign.go implements request signing for the futures REST API.
//
// Signed endpoints require a timestamp and recvWindow appended to the query
// string, an HMAC-SHA-256 signature of the encoded query computed with the
// API secret, and the API key in the X-MBX-APIKEY header.
package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const apiKeyHeader = "X-MBX-APIKEY"

// signer appends auth parameters and computes request signatures.
type signer struct {
	key        string
	secret     string
	recvWindow time.Duration
	now        func() time.Time
}

func newSigner(key, secret string, recvWindow time.Duration) *signer {
	return &signer{key: key, secret: secret, recvWindow: recvWindow, now: time.Now}
}

// Sign adds timestamp, recvWindow and signature to the given parameters and
// returns the final encoded query string.
func (s *signer) Sign(params url.Values) string {
	params.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	params.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	encoded := params.Encode()

	mac := hmac.New(sha256.New, []byte(s.secret))
	mac.Write([]byte(encoded))
	sig := hex.EncodeToString(mac.Sum(nil))

	return encoded + "&signature=" + sig
}
