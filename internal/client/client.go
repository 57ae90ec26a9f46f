// Package client is the worker's side of the master protocol.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hamed0406/gefion/internal/domain"
)

const defaultTimeout = 15 * time.Second

type Client struct {
	Endpoint string
	Worker   string
	Key      string
	HTTP     *http.Client
}

func New(endpoint, worker, key string) *Client {
	return &Client{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Worker:   worker,
		Key:      key,
		HTTP:     &http.Client{Timeout: defaultTimeout},
	}
}

type monitorsResponse struct {
	Monitors []domain.CheckDefinition `json:"monitors"`
}

// FetchMonitors returns every definition the master assigns to this worker.
// Any failure wraps domain.ErrTransport.
func (c *Client) FetchMonitors(ctx context.Context) ([]domain.CheckDefinition, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint+"/monitors", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch monitors: %w: %v", domain.ErrTransport, err)
	}
	req.SetBasicAuth(c.Worker, c.Key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch monitors: %w: %v", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch monitors: %w: status %d", domain.ErrTransport, resp.StatusCode)
	}
	var body monitorsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("fetch monitors: %w: decode: %v", domain.ErrTransport, err)
	}
	if body.Monitors == nil {
		body.Monitors = []domain.CheckDefinition{}
	}
	return body.Monitors, nil
}

// Report submits one outcome. A 403 from the master means it does not know
// the monitor and yields domain.ErrUnknownMonitor.
func (c *Client) Report(ctx context.Context, monitorID, versionID string, out domain.CheckOutcome) error {
	result, err := json.Marshal(out)
	if err != nil {
		return err
	}
	form := url.Values{
		"id":        {monitorID},
		"unique_id": {versionID},
		"result":    {string(result)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+"/result", strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("report %s: %w: %v", monitorID, domain.ErrTransport, err)
	}
	req.SetBasicAuth(c.Worker, c.Key)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("report %s: %w: %v", monitorID, domain.ErrTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	case http.StatusForbidden:
		return fmt.Errorf("report %s: %w", monitorID, domain.ErrUnknownMonitor)
	default:
		return fmt.Errorf("report %s: %w: status %d", monitorID, domain.ErrTransport, resp.StatusCode)
	}
}
