package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/obsrvlabs/pricewatch/internal/monitor"
)

// ToleranceWindow is the replay-protection bound: signatures whose embedded
// timestamp differs from the verifier's clock by more than this are rejected.
const ToleranceWindow = 300 * time.Second

// RotationGrace is how long the previous secret stays valid after rotation.
const RotationGrace = time.Hour

// Signature verification errors.
var (
	ErrMalformedSignature = errors.New("malformed signature header")
	ErrStaleTimestamp     = errors.New("signature timestamp outside tolerance window")
	ErrBadSignature       = errors.New("signature verification failed")
)

// Sign computes the webhook signature header for a payload at the given
// time. The signed string is "<unix_ts>.<body>" and the header is literally
// "t=<unix_ts>,v1=<hex_hmac_sha256>".
func Sign(secret string, payload []byte, at time.Time) string {
	ts := at.Unix()
	return fmt.Sprintf("t=%d,v1=%s", ts, hexHMAC(secret, ts, payload))
}

// Verify checks a signature header against a payload and one secret,
// enforcing the replay tolerance window around now.
func Verify(secret string, payload []byte, header string, now time.Time) error {
	ts, received, err := parseHeader(header)
	if err != nil {
		return err
	}
	diff := now.Unix() - ts
	if diff < 0 {
		diff = -diff
	}
	if time.Duration(diff)*time.Second > ToleranceWindow {
		return ErrStaleTimestamp
	}
	expected := hexHMAC(secret, ts, payload)
	if !hmac.Equal([]byte(expected), []byte(received)) {
		return ErrBadSignature
	}
	return nil
}

// VerifyWithRotation checks the header against the current secret, and
// during the rotation grace window also against the previous one. Outgoing
// deliveries are always signed with the current secret; this helper exists
// for subscriber-side verification and the signature tests.
func VerifyWithRotation(sec monitor.SubscriberSecret, payload []byte, header string, now time.Time) error {
	err := Verify(sec.Current, payload, header, now)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBadSignature) {
		return err
	}
	if sec.Previous != nil && sec.RotatedAt != nil && now.Sub(*sec.RotatedAt) <= RotationGrace {
		return Verify(*sec.Previous, payload, header, now)
	}
	return err
}

func hexHMAC(secret string, ts int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func parseHeader(header string) (int64, string, error) {
	var tsPart, sigPart string
	for _, item := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(item, "=")
		if !ok {
			return 0, "", ErrMalformedSignature
		}
		switch k {
		case "t":
			tsPart = v
		case "v1":
			sigPart = v
		}
	}
	if tsPart == "" || sigPart == "" {
		return 0, "", ErrMalformedSignature
	}
	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return 0, "", ErrMalformedSignature
	}
	return ts, sigPart, nil
}
