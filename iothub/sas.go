package iothub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// SASToken builds a shared access signature for the device resource
// "<host>/devices/<deviceId>", valid until expiry.
func SASToken(host, deviceID, key string, expiry time.Time) (string, error) {
	k, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return "", fmt.Errorf("decode shared access key: %w", err)
	}
	sr := url.QueryEscape(host + "/devices/" + deviceID)
	se := strconv.FormatInt(expiry.Unix(), 10)

	mac := hmac.New(sha256.New, k)
	mac.Write([]byte(sr + "\n" + se))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s", sr, url.QueryEscape(sig), se), nil
}
