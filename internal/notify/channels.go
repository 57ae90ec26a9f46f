package notify

// Config selects and configures the builtin channels. A channel whose section
// is absent is not registered, so contacts using it fail as unknown.
type Config struct {
	Telegram *TelegramConfig `yaml:"telegram"`
	Postmark *PostmarkConfig `yaml:"postmark"`
	Cachet   *CachetConfig   `yaml:"cachet"`
	Slack    bool            `yaml:"slack"`
}

func NewRegistryFromConfig(c Config) *Registry {
	r := NewRegistry()
	if c.Telegram != nil {
		r.Register("telegram", NewTelegram(*c.Telegram))
	}
	if c.Postmark != nil {
		r.Register("postmark", NewPostmark(*c.Postmark))
	}
	if c.Cachet != nil {
		r.Register("cachet", NewCachet(*c.Cachet))
	}
	if c.Slack {
		r.Register("slack", NewSlack())
	}
	return r
}
