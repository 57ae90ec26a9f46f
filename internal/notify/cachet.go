package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Cachet component statuses.
const (
	CachetOperational = 1
	CachetMajorOutage = 4
)

type CachetConfig struct {
	APIEndpoint string `yaml:"api_endpoint"`
	APIToken    string `yaml:"api_token"`
}

// Cachet flips a status page component between operational and major
// outage. The destination is the numeric component id.
type Cachet struct {
	cfg    CachetConfig
	Client *http.Client
}

func NewCachet(cfg CachetConfig) *Cachet {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = "http://localhost/api/"
	}
	if cfg.APIToken == "" {
		cfg.APIToken = "invalidtoken"
	}
	return &Cachet{cfg: cfg, Client: &http.Client{Timeout: 15 * time.Second}}
}

// ComponentURL joins the API endpoint and the component id, tolerating a
// missing trailing slash on the endpoint.
func (c *Cachet) ComponentURL(id int) string {
	return strings.TrimSuffix(c.cfg.APIEndpoint, "/") + "/v1/components/" + strconv.Itoa(id)
}

func (c *Cachet) Send(ctx context.Context, n Notification, destination string) error {
	id, err := strconv.Atoi(destination)
	if err != nil {
		return fmt.Errorf("cachet component id %q: %w", destination, err)
	}
	status := CachetMajorOutage
	if n.Available {
		status = CachetOperational
	}
	form := url.Values{"status": {strconv.Itoa(status)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.ComponentURL(id), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Cachet-Token", c.cfg.APIToken)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cachet status %d", resp.StatusCode)
	}
	var out map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("cachet response: %w", err)
	}
	if _, ok := out["data"]; !ok {
		return fmt.Errorf("cachet response without data")
	}
	return nil
}
