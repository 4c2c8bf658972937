package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// maxTimestampSkew bounds how far a received timestamp may drift from now
// before a receiver should reject the delivery (spec.md §4.6).
const maxTimestampSkew = 5 * time.Minute

// sign computes the X-Mech-Signature value: v1=hex(hmac_sha256(secret,
// timestamp + "." + body)). No third-party HMAC library appears anywhere in
// the example pack (see DESIGN.md) so this uses the standard library.
func sign(secret string, timestamp int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(body)
	return "v1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature re-derives the expected signature for a received
// timestamp+body pair and compares it in constant time. Receivers
// integrating with this engine can reuse it; the engine doesn't call it
// itself since it is the sender, not the receiver.
func VerifySignature(secret, signatureHeader, timestampHeader string, body []byte) bool {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return false
	}
	if time.Since(time.Unix(ts, 0)).Abs() > maxTimestampSkew {
		return false
	}
	want := sign(secret, ts, body)
	return hmac.Equal([]byte(want), []byte(signatureHeader))
}
