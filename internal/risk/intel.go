package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/sentinel/internal/txn"
)

// IntelUpstream labels the IP intelligence service in breaker state.
const IntelUpstream = "ip-intel"

// HTTPIntel queries an IP intelligence service at GET {baseURL}/{address}
// that answers with a JSON NetworkSignal.
type HTTPIntel struct {
	baseURL string
	client  *http.Client
}

// NewHTTPIntel creates an IP intelligence client. The engine bounds each
// call with its enrichment timeout; timeout here is a backstop.
func NewHTTPIntel(baseURL string, timeout time.Duration) *HTTPIntel {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPIntel{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h *HTTPIntel) Lookup(ctx context.Context, address string) (*txn.NetworkSignal, error) {
	endpoint, err := url.JoinPath(h.baseURL, url.PathEscape(address))
	if err != nil {
		return nil, fmt.Errorf("build intel url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("intel lookup: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("intel lookup: status %d", resp.StatusCode)
	}
	var sig txn.NetworkSignal
	if err := json.NewDecoder(resp.Body).Decode(&sig); err != nil {
		return nil, fmt.Errorf("decode intel response: %w", err)
	}
	if sig.IP == "" {
		sig.IP = address
	}
	return &sig, nil
}
