package intel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const taxiiMediaType = "application/taxii+json;version=2.1"

// maxPage bounds one objects response.
const maxPage = 8 << 20

// TAXIIClient reads indicator objects from one TAXII 2.1 collection.
type TAXIIClient struct {
	BaseURL    string
	Username   string
	Password   string
	HTTPClient *http.Client
}

func NewTAXIIClient(baseURL, username, password string) *TAXIIClient {
	return &TAXIIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Username:   username,
		Password:   password,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *TAXIIClient) get(ctx context.Context, url string, query map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}
	q := req.URL.Query()
	for k, v := range query {
		q.Set(k, v)
	}
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Accept", taxiiMediaType)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("taxii server returned %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxPage))
}

// FetchIndicators returns every page of objects added after addedAfter
// (all objects when zero), parsed into indicators.
func (c *TAXIIClient) FetchIndicators(ctx context.Context, collectionID string, addedAfter time.Time) ([]*Indicator, error) {
	url := fmt.Sprintf("%s/taxii2/collections/%s/objects/", c.BaseURL, collectionID)
	query := map[string]string{"match[type]": "indicator"}
	if !addedAfter.IsZero() {
		query["added_after"] = addedAfter.UTC().Format(time.RFC3339)
	}

	var all []*Indicator
	for {
		data, err := c.get(ctx, url, query)
		if err != nil {
			return all, err
		}
		inds, err := ParseObjects(data, c.BaseURL)
		if err != nil {
			return all, err
		}
		all = append(all, inds...)

		var page envelope
		_ = json.Unmarshal(data, &page)
		if !page.More || page.Next == "" {
			return all, nil
		}
		query["next"] = page.Next
	}
}

// Collection is one entry of a TAXII server's collection listing.
type Collection struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	CanRead     bool   `json:"can_read"`
	CanWrite    bool   `json:"can_write"`
}

// ListCollections returns the collections the configured credentials can
// see, for choosing a peer's collection_id.
func (c *TAXIIClient) ListCollections(ctx context.Context) ([]Collection, error) {
	data, err := c.get(ctx, c.BaseURL+"/taxii2/collections/", nil)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	var result struct {
		Collections []Collection `json:"collections"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result.Collections, nil
}
