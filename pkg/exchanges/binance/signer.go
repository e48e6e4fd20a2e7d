package binance

import (
	"net/url"
	"strconv"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/rest"
	"github.com/veiloq/exchange-gateway/pkg/secure"
)

// signer implements Binance request signing: the canonical query string
// plus timestamp and recvWindow is HMAC-SHA256 signed with the account
// secret, the hex digest is appended as the signature parameter and the
// API key travels in the X-MBX-APIKEY header.
type signer struct {
	apiKey     string
	apiSecret  string
	recvWindow time.Duration

	// now is swapped out by tests to pin the timestamp.
	now func() time.Time
}

func newSigner(apiKey, apiSecret string, recvWindow time.Duration) *signer {
	return &signer{
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		now:        time.Now,
	}
}

func (s *signer) Sign(req *rest.Request, _ []byte) error {
	q := req.Query
	if q == nil {
		q = url.Values{}
	}
	q.Set("timestamp", strconv.FormatInt(s.now().UnixMilli(), 10))
	if s.recvWindow > 0 {
		q.Set("recvWindow", strconv.FormatInt(s.recvWindow.Milliseconds(), 10))
	}

	// Binance verifies the signature against the transmitted bytes, so
	// the signed payload must be the exact query string sent. The
	// signature parameter itself goes last, outside the canonical
	// ordering Encode produces.
	payload := q.Encode()
	signature := secure.HMACSHA256Hex(s.apiSecret, payload)
	req.RawQuery = payload + "&signature=" + signature

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["X-MBX-APIKEY"] = s.apiKey
	return nil
}
