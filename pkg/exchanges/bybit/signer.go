package bybit

import (
	"strconv"
	"time"

	"github.com/veiloq/exchange-gateway/pkg/rest"
	"github.com/veiloq/exchange-gateway/pkg/secure"
)

// signer implements Bybit v5 header signing. The signed payload is
// timestamp + apiKey + recvWindow + body, where body is the encoded
// query string for GET calls and the raw JSON body for POST calls. The
// hex digest travels in X-BAPI-SIGN alongside the key, timestamp and
// window headers.
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

func (s *signer) Sign(req *rest.Request, body []byte) error {
	timestamp := strconv.FormatInt(s.now().UnixMilli(), 10)
	window := strconv.FormatInt(s.recvWindow.Milliseconds(), 10)

	payload := string(body)
	if len(body) == 0 && req.Query != nil {
		// Bybit verifies GET signatures against the transmitted query
		// string. Encode sorts keys, and the client transmits the same
		// encoding, so the two always agree.
		payload = req.Query.Encode()
	}

	signature := secure.HMACSHA256Hex(s.apiSecret, timestamp+s.apiKey+window+payload)

	if req.Headers == nil {
		req.Headers = make(map[string]string)
	}
	req.Headers["X-BAPI-API-KEY"] = s.apiKey
	req.Headers["X-BAPI-TIMESTAMP"] = timestamp
	req.Headers["X-BAPI-RECV-WINDOW"] = window
	req.Headers["X-BAPI-SIGN"] = signature
	return nil
}
