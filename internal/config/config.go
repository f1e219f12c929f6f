package config

type Config interface {
	EnvConfig
	ReconcilerConfig
}

type mainConfig struct {
	EnvVars
	Reconciler
}

func New() Config {
	return mainConfig{}
}
