package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

const (
	TelegramAPI            = "https://api.telegram.org"
	TelegramUpTemplate     = "*{host}* is *UP* at {time}."
	TelegramDownTemplate   = "*{host}* is *DOWN* at {time}. Msg: {message}"
	defaultTelegramToken   = "0:invalidtoken"
	defaultTelegramTimeout = 10 * time.Second
)

type TelegramConfig struct {
	Token        string `yaml:"token"`
	UpTemplate   string `yaml:"up_template"`
	DownTemplate string `yaml:"down_template"`
	APIBase      string `yaml:"api_base"`
}

// Telegram posts Markdown messages through the Bot API. The destination is
// a numeric chat id.
type Telegram struct {
	cfg    TelegramConfig
	Client *http.Client
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Token == "" {
		cfg.Token = defaultTelegramToken
	}
	if cfg.UpTemplate == "" {
		cfg.UpTemplate = TelegramUpTemplate
	}
	if cfg.DownTemplate == "" {
		cfg.DownTemplate = TelegramDownTemplate
	}
	if cfg.APIBase == "" {
		cfg.APIBase = TelegramAPI
	}
	return &Telegram{
		cfg:    cfg,
		Client: &http.Client{Timeout: defaultTelegramTimeout},
	}
}

type telegramMessage struct {
	ChatID    int64  `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Text is the message body sent for n.
func (t *Telegram) Text(n Notification) string {
	return n.Render(t.cfg.UpTemplate, t.cfg.DownTemplate)
}

func (t *Telegram) Send(ctx context.Context, n Notification, destination string) error {
	chatID, err := strconv.ParseInt(destination, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", destination, err)
	}
	body, _ := json.Marshal(telegramMessage{ChatID: chatID, Text: t.Text(n), ParseMode: "Markdown"})
	url := t.cfg.APIBase + "/bot" + t.cfg.Token + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var out telegramResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if resp.StatusCode/100 != 2 || !out.OK {
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, out.Description)
	}
	return nil
}
