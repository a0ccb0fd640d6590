package flightsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Offer is one flight option returned by the search backend.
type Offer struct {
	Carrier      string `json:"carrier"`
	FlightNumber string `json:"flight_number"`
	Origin       string `json:"origin"`
	Destination  string `json:"destination"`
	DepartAt     string `json:"depart_at"`
	ArriveAt     string `json:"arrive_at"`
	Stops        int    `json:"stops"`
	PriceCents   int64  `json:"price_cents"`
	Currency     string `json:"currency"`
}

// Query is the structured search input.
type Query struct {
	Origin      string `json:"origin"`
	Destination string `json:"destination"`
	DepartDate  string `json:"depart_date"`
	ReturnDate  string `json:"return_date,omitempty"`
	Passengers  int    `json:"passengers,omitempty"`
	CabinClass  string `json:"cabin_class,omitempty"`
	MaxResults  int    `json:"max_results,omitempty"`
}

// Client talks to the flight search backend over HTTP. The backend is an
// opaque collaborator; this client only shapes requests and responses.
type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewClient builds a flight search client. A nil httpClient uses a default
// with a 15s timeout.
func NewClient(apiKey, baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		httpClient: httpClient,
	}
}

// Configured reports whether the client can reach a backend.
func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// Search runs one flight query.
func (c *Client) Search(ctx context.Context, q Query) ([]Offer, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("flight search backend is not configured")
	}
	if strings.TrimSpace(q.Origin) == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if strings.TrimSpace(q.Destination) == "" {
		return nil, fmt.Errorf("destination is required")
	}
	if q.MaxResults <= 0 {
		q.MaxResults = 5
	}

	body, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		return nil, fmt.Errorf("flight search error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var decoded struct {
		Offers []Offer `json:"offers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return decoded.Offers, nil
}
