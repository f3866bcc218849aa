package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mbd888/arbiter/internal/retry"
)

// HTTPClient reads participants from the order service:
//
//	GET {baseURL}/orders/{id}/participants -> {"buyerId": "...", "sellerId": "..."}
type HTTPClient struct {
	baseURL  string
	client   *http.Client
	attempts int
}

// NewHTTPClient creates a client for the order service at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
		attempts: 3,
	}
}

// WithHTTPClient replaces the underlying http.Client.
func (h *HTTPClient) WithHTTPClient(c *http.Client) *HTTPClient {
	h.client = c
	return h
}

// Participants fetches the buyer and seller of orderID. 404 maps to
// ErrOrderNotFound; 5xx and transport errors are retried.
func (h *HTTPClient) Participants(ctx context.Context, orderID string) (Participants, error) {
	endpoint := h.baseURL + "/orders/" + url.PathEscape(orderID) + "/participants"

	var p Participants
	err := retry.Do(ctx, h.attempts, 100*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")

		resp, err := h.client.Do(req)
		if err != nil {
			return fmt.Errorf("order lookup: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return retry.Permanent(ErrOrderNotFound)
		case resp.StatusCode >= 500:
			return fmt.Errorf("order lookup: status %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return retry.Permanent(fmt.Errorf("order lookup: status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return fmt.Errorf("order lookup: read body: %w", err)
		}
		if err := json.Unmarshal(body, &p); err != nil {
			return retry.Permanent(fmt.Errorf("order lookup: decode: %w", err))
		}
		return nil
	})
	if err != nil {
		return Participants{}, err
	}
	if p.BuyerID == "" || p.SellerID == "" {
		return Participants{}, fmt.Errorf("order lookup: incomplete participants for %s", orderID)
	}
	p.OrderID = orderID
	return p, nil
}
