// Package registry lists end devices from the network server's device registry API.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/lorawan-cloud-bridge/internal/models"
)

// DefaultFieldMask requests the attributes used for enablement decisions
const DefaultFieldMask = "attributes"

// Client is an HTTP client for the end device registry
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a registry client. baseURL points at the API root, e.g.
// https://eu1.cloud.thethings.network/api/v3
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type endDevice struct {
	IDs        models.EndDeviceIDs `json:"ids"`
	Name       string              `json:"name"`
	Attributes map[string]string   `json:"attributes"`
}

type listResponse struct {
	EndDevices []endDevice `json:"end_devices"`
}

// List fetches one page of devices. Pages are numbered from 1; an empty result marks
// the end of the listing.
func (c *Client) List(ctx context.Context, applicationID, fieldMask string, page, limit int) ([]models.DeviceRecord, error) {
	u := fmt.Sprintf("%s/applications/%s/devices", c.baseURL, url.PathEscape(applicationID))

	q := url.Values{}
	if fieldMask != "" {
		q.Set("field_mask", fieldMask)
	}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("list devices: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode device list: %w", err)
	}

	records := make([]models.DeviceRecord, 0, len(out.EndDevices))
	for _, d := range out.EndDevices {
		appID := d.IDs.ApplicationIDs.ApplicationID
		if appID == "" {
			appID = applicationID
		}
		records = append(records, models.DeviceRecord{
			DeviceID:      d.IDs.DeviceID,
			ApplicationID: appID,
			DevEUI:        d.IDs.DevEUI,
			Name:          d.Name,
			Attributes:    d.Attributes,
		})
	}

	return records, nil
}
