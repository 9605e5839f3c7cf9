package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// signRequest computes an HMAC-SHA256 signature over the request method and
// request URI (path plus query), the
// form every REST-exchange's request signing reduces to. Never logged.
func signRequest(secret string, req *http.Request) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(req.Method))
	mac.Write([]byte(req.URL.RequestURI()))
	return hex.EncodeToString(mac.Sum(nil))
}
