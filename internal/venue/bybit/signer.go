package bybit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Signer adds the V5 authentication headers.
// signature = HMAC_SHA256(timestamp + key + recv_window + payload, secret), where the payload is
// the raw query string for GET and the JSON body for POST.
type Signer struct {
	apiKey     string
	apiSecret  string
	recvWindow string
	now        func() time.Time
}

func NewSigner(apiKey, apiSecret string, recvWindow int) *Signer {
	if recvWindow <= 0 {
		recvWindow = 5000
	}
	return &Signer{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: strconv.Itoa(recvWindow),
		now:        time.Now,
	}
}

func (s *Signer) SignRequest(req *http.Request) error {
	payload := req.URL.RawQuery
	if req.Method != http.MethodGet && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return fmt.Errorf("failed to read body for signing: %w", err)
		}
		b, err := io.ReadAll(body)
		body.Close()
		if err != nil {
			return fmt.Errorf("failed to read body for signing: %w", err)
		}
		payload = string(b)
	}

	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	req.Header.Set("X-BAPI-API-KEY", s.apiKey)
	req.Header.Set("X-BAPI-SIGN", s.sign(timestamp, payload))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", s.recvWindow)
	return nil
}

func (s *Signer) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(s.apiSecret))
	mac.Write([]byte(timestamp + s.apiKey + s.recvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}
