// Package callback signs and verifies externally triggered completion callbacks.
//
// The signature is hex(HMAC-SHA256(secret, jobID + "|" + timestamp + "|" + hex(SHA-256(body))))
// carried in the X-Signature header, with the Unix timestamp in X-Timestamp.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"

	// Tolerance is how far a callback timestamp may drift from the server clock.
	Tolerance = 120 * time.Second
)

var (
	ErrMissingSignature = errors.New("missing signature or timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside tolerance")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Sign returns the hex signature for a callback about jobID.
func Sign(secret []byte, jobID string, ts int64, body []byte) string {
	sum := sha256.Sum256(body)
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(jobID))
	mac.Write([]byte("|"))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("|"))
	mac.Write([]byte(hex.EncodeToString(sum[:])))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the timestamp window first, then the signature in constant time.
func Verify(secret []byte, jobID, tsHeader, sigHeader string, body []byte, now time.Time) error {
	if tsHeader == "" || sigHeader == "" {
		return ErrMissingSignature
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	if math.Abs(float64(now.Unix()-ts)) > Tolerance.Seconds() {
		return ErrStaleTimestamp
	}
	want, err := hex.DecodeString(Sign(secret, jobID, ts, body))
	if err != nil {
		return ErrBadSignature
	}
	got, err := hex.DecodeString(sigHeader)
	if err != nil {
		return ErrBadSignature
	}
	if !hmac.Equal(got, want) {
		return ErrBadSignature
	}
	return nil
}

// WebhookURL builds the callback URL registered with a provider. The provider
// signs each delivery with the shared secret.
func WebhookURL(baseURL, providerName, jobID string) string {
	return strings.TrimRight(baseURL, "/") + "/webhooks/" + url.PathEscape(providerName) + "/" + url.PathEscape(jobID)
}
