package listings

import (
	"context"
	"fmt"
	"time"

	"agentmesh/pkg/clients"
)

// Query 房源搜索条件
type Query struct {
	Location string `json:"location"`
	Checkin  string `json:"checkin"`
	Checkout string `json:"checkout"`
	Adults   int    `json:"adults"`
	Limit    int    `json:"limit,omitempty"`
}

// Listing 房源
type Listing struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	URL    string  `json:"url"`
	Price  string  `json:"price,omitempty"`
	Rating float64 `json:"rating,omitempty"`
}

type searchResponse struct {
	Listings []Listing `json:"listings"`
}

// Config 房源搜索服务配置
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxResults int
}

// Client 房源搜索服务客户端
type Client struct {
	base       *clients.BaseClient
	maxResults int
}

// NewClient 创建客户端
func NewClient(cfg Config) *Client {
	return &Client{
		base: clients.NewBaseClient(clients.BaseClientConfig{
			ServiceName: "listings",
			BaseURL:     cfg.BaseURL,
			Timeout:     cfg.Timeout,
		}),
		maxResults: cfg.MaxResults,
	}
}

// Search 搜索在入住和退房日期之间完全可用的房源
func (c *Client) Search(ctx context.Context, q Query) ([]Listing, error) {
	if q.Limit == 0 {
		q.Limit = c.maxResults
	}

	var resp searchResponse
	if err := c.base.PostJSON(ctx, "/search", q, nil, &resp); err != nil {
		return nil, fmt.Errorf("search listings in %s: %w", q.Location, err)
	}
	if q.Limit > 0 && len(resp.Listings) > q.Limit {
		resp.Listings = resp.Listings[:q.Limit]
	}
	return resp.Listings, nil
}
