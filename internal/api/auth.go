package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// signatureHeader carries the HMAC-SHA256 signature on ingest requests.
const signatureHeader = "X-Castellan-Signature"

// extractAPIKey pulls the bearer token from an Authorization header.
// Returns the empty string when the header is missing or malformed.
func extractAPIKey(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// validAPIKey compares the presented key against the configured one in
// constant time.
func (s *Server) validAPIKey(key string) bool {
	if s.config.APIKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.config.APIKey)) == 1
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.validAPIKey(extractAPIKey(r)) {
			s.writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// verifySignature checks an HMAC-SHA256 signature over body. Accepted
// formats are "sha256=<hex>" and plain hex. Errors are generic so the
// response leaks nothing about which check failed.
func verifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("signature verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	raw := strings.TrimPrefix(signature, "sha256=")
	actual, err := hex.DecodeString(raw)
	if err != nil {
		return fmt.Errorf("signature verification failed")
	}

	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}
