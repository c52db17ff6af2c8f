package config

type Config interface {
	EnvConfig
	SessionConfig
	StorageConfig
}

type EnvConfig interface {
	GetAppName() string
	GetAPIBaseURL() string
	GetLogLevel() string
	GetMetricsAddr() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Session
	Storage
}

func New() Config {
	return mainConfig{}
}
