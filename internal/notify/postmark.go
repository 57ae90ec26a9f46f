package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	PostmarkAPI             = "https://api.postmarkapp.com"
	defaultPostmarkTemplate = 1200342
)

type PostmarkConfig struct {
	ServerToken string `yaml:"server_token"`
	FromAddress string `yaml:"from_address"`
	TemplateID  int64  `yaml:"template_id"`
	UpText      string `yaml:"up_text"`
	DownText    string `yaml:"down_text"`
	APIBase     string `yaml:"api_base"`
}

// Postmark sends templated transactional email. The destination is the
// recipient address.
type Postmark struct {
	cfg    PostmarkConfig
	Client *http.Client
}

func NewPostmark(cfg PostmarkConfig) *Postmark {
	if cfg.TemplateID == 0 {
		cfg.TemplateID = defaultPostmarkTemplate
	}
	if cfg.UpText == "" {
		cfg.UpText = "UP"
	}
	if cfg.DownText == "" {
		cfg.DownText = "DOWN"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = PostmarkAPI
	}
	return &Postmark{cfg: cfg, Client: &http.Client{Timeout: 10 * time.Second}}
}

// TemplateModel is the variable set handed to the Postmark template.
type TemplateModel struct {
	Name         string `json:"name"`
	Availability string `json:"availability"`
	TimeString   string `json:"time_string"`
}

type postmarkEmail struct {
	TemplateID    int64         `json:"TemplateId"`
	TemplateModel TemplateModel `json:"TemplateModel"`
	From          string        `json:"From"`
	To            string        `json:"To"`
}

type postmarkResponse struct {
	ErrorCode int    `json:"ErrorCode"`
	Message   string `json:"Message"`
}

func (p *Postmark) Model(n Notification) TemplateModel {
	avail := p.cfg.DownText
	if n.Available {
		avail = p.cfg.UpText
	}
	return TemplateModel{Name: n.Host, Availability: avail, TimeString: n.TimeString()}
}

func (p *Postmark) Send(ctx context.Context, n Notification, destination string) error {
	body, _ := json.Marshal(postmarkEmail{
		TemplateID:    p.cfg.TemplateID,
		TemplateModel: p.Model(n),
		From:          p.cfg.FromAddress,
		To:            destination,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.APIBase+"/email/withTemplate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.cfg.ServerToken)

	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out postmarkResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode != http.StatusOK || out.ErrorCode != 0 {
		return fmt.Errorf("postmark status %d code %d: %s", resp.StatusCode, out.ErrorCode, out.Message)
	}
	return nil
}
