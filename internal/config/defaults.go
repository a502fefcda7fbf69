package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:         "~/.companiond",
			LogLevel:        "info",
			DBPath:          "~/.companiond/companiond.db",
			CompanionsDir:   "~/.companiond/companions",
			HistoryLimit:    20,
			DefaultProvider: "ollama",
			WatchCompanions: true,
		},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Enabled:      true,
				APIBase:      "http://localhost:11434",
				DefaultModel: "llama3.1:8b",
				MaxTokens:    512,
				Temperature:  0.8,
			},
		},
		Channels: ChannelsConfig{
			SMS: SMSConfig{
				Enabled: false,
				APIBase: "https://api.twilio.com",
			},
			Telegram: TelegramConfig{
				Enabled: false,
			},
			API: APIConfig{
				Enabled: true,
				Host:    "127.0.0.1",
				Port:    5050,
			},
		},
		Proactive: ProactiveConfig{
			Enabled:         true,
			FrequencyPerDay: 3,
			WindowStart:     "09:00",
			WindowEnd:       "22:00",
			MinGapMinutes:   240,
			TickSeconds:     60,
			Synthesizer:     "template",
		},
		Webhooks: WebhooksConfig{
			QueueSize:      256,
			TimeoutSeconds: 5,
		},
		Memory: MemoryConfig{
			Enabled: true,
			Limit:   20,
		},
	}
}
