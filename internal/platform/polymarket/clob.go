package polymarket

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/alanyoungcy/polycollector/internal/domain"
	"github.com/alanyoungcy/polycollector/internal/resilience"
)

// ClobClient reads order books from the Polymarket CLOB REST API through the
// resilient client for the clob upstream.
type ClobClient struct {
	rc  *resilience.Client
	now func() time.Time
}

// NewClobClient creates a CLOB read client.
func NewClobClient(rc *resilience.Client) *ClobClient {
	return &ClobClient{rc: rc, now: time.Now}
}

// GetOrderBook returns the current ladders for one outcome token.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderBook, error) {
	params := url.Values{}
	params.Set("token_id", tokenID)

	var resp BookResponse
	if err := c.rc.GetJSON(ctx, "/book", params, &resp); err != nil {
		return domain.OrderBook{}, fmt.Errorf("polymarket/clob: get book %s: %w", tokenID, err)
	}
	return resp.ToDomain(c.now().UTC()), nil
}
