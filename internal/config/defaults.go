package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Host:                   "0.0.0.0",
			Port:                   8080,
			MaxBodyBytes:           1 << 20,
			ShutdownTimeoutSeconds: 15,
		},
		Channels: ChannelsConfig{
			WhatsApp: WhatsAppConfig{
				APIBase:      "https://graph.facebook.com/v21.0",
				SendRate:     20,
				SenderPolicy: SenderPolicy{Policy: "open"},
			},
			Telegram: TelegramConfig{
				ParseMode:    "html",
				SendRate:     20,
				SenderPolicy: SenderPolicy{Policy: "open"},
			},
			IMessage: IMessageConfig{
				SendRate:     5,
				SenderPolicy: SenderPolicy{Policy: "open"},
			},
		},
		Pool: PoolConfig{
			Size:                  3,
			AcquireTimeoutMs:      30000,
			ConnectTimeoutSeconds: 30,
		},
		Dedup: DedupConfig{
			TTLSeconds: 3600,
			MaxEntries: 10000,
		},
		Processor: ProcessorConfig{
			Workers:     8,
			QueueSize:   256,
			BusyMessage: "I'm handling a lot of conversations right now. Please try again in a moment.",
			ErrorReply:  "Sorry, something went wrong while processing your message.",
		},
		Agent: AgentConfig{
			APIBase:        "http://localhost:11434/v1",
			Model:          "llama3.1:8b",
			TimeoutSeconds: 120,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}
