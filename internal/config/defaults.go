package config

const (
	defaultConfigPath            = "~/.config/ecobin/config.toml"
	defaultStateDir              = "~/.local/share/ecobin"
	defaultLogDir                = "~/.local/share/ecobin/logs"
	defaultAPIBind               = "0.0.0.0:5000"
	defaultHoldSeconds           = 5.0
	defaultConfidenceThreshold   = 0.5
	defaultDetectionPollMillis   = 100
	defaultDetectionTimeout      = 2
	defaultDetectionRetryMillis  = 2000
	defaultReaderBaud            = 9600
	defaultReaderPollMillis      = 500
	defaultReaderPresenceMillis  = 1000
	defaultReaderErrorBackoff    = 1000
	defaultReaderSubsystem       = "tty"
	defaultMQTTPort              = 8883
	defaultMaterialTopic         = "material/detectado"
	defaultFillTopic             = "reciclaje/esp32-01/nivel"
	defaultMQTTQoS               = 1
	defaultPublishTimeout        = 5
	defaultReconnectMaxSeconds   = 60
	defaultRegistryFile          = "registry.db"
	defaultRedisPrefix           = "ecobin:"
	defaultRegistryWriteTimeout  = 3
	defaultSubscriberBuffer      = 64
	defaultOutboundBuffer        = 128
	defaultMaxFrameBytes         = 64 * 1024
	defaultNotifyRequestTimeout  = 10
	defaultContainerFullPercent  = 90
	defaultNotifyDedupWindowSecs = 600
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 30
	RegistrySQLite               = "sqlite"
	RegistryRedis                = "redis"
)

// DefaultMaterials lists the classifier labels accepted as positive detections.
var DefaultMaterials = []string{"plastic", "aluminum"}

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			StateDir: defaultStateDir,
			LogDir:   defaultLogDir,
			APIBind:  defaultAPIBind,
		},
		Detection: Detection{
			HoldSeconds:         defaultHoldSeconds,
			ConfidenceThreshold: defaultConfidenceThreshold,
			Materials:           append([]string(nil), DefaultMaterials...),
			PollIntervalMillis:  defaultDetectionPollMillis,
			RequestTimeout:      defaultDetectionTimeout,
			RetryIntervalMillis: defaultDetectionRetryMillis,
		},
		Reader: Reader{
			Baud:                 defaultReaderBaud,
			PollIntervalMillis:   defaultReaderPollMillis,
			PresenceWindowMillis: defaultReaderPresenceMillis,
			ErrorBackoffMillis:   defaultReaderErrorBackoff,
			Hotplug:              true,
			Subsystem:            defaultReaderSubsystem,
		},
		Telemetry: Telemetry{
			Port:                defaultMQTTPort,
			TLS:                 true,
			MaterialTopic:       defaultMaterialTopic,
			FillTopic:           defaultFillTopic,
			QoS:                 defaultMQTTQoS,
			PublishTimeout:      defaultPublishTimeout,
			ReconnectMaxSeconds: defaultReconnectMaxSeconds,
		},
		Registry: Registry{
			Backend:      RegistrySQLite,
			RedisPrefix:  defaultRedisPrefix,
			WriteTimeout: defaultRegistryWriteTimeout,
		},
		Broadcast: Broadcast{
			SubscriberBuffer: defaultSubscriberBuffer,
			OutboundBuffer:   defaultOutboundBuffer,
			MaxFrameBytes:    defaultMaxFrameBytes,
		},
		Notifications: Notifications{
			RequestTimeout:       defaultNotifyRequestTimeout,
			ContainerFull:        true,
			ContainerFullPercent: defaultContainerFullPercent,
			Errors:               true,
			DedupWindowSeconds:   defaultNotifyDedupWindowSecs,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
	}
}
