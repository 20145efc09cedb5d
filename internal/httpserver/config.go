package httpserver

import "time"

// Config carries the HTTP façade settings resolved by cmd/gatewayd.
type Config struct {
	ListenAddr     string
	AllowedOrigins []string
	JWTSigningKey  string
	JWTIssuer      string
	StartingGrant  int64
	MaxUploadBytes int64
	RequestTimeout time.Duration
}

// Defaults applied when cmd leaves fields unset.
const (
	DefaultListenAddr     = ":8080"
	DefaultMaxUploadBytes = 5 << 20
	DefaultRequestTimeout = 90 * time.Second
	DefaultStartingGrant  = 10
)

// withDefaults fills unset fields.
func (config Config) withDefaults() Config {
	if config.ListenAddr == "" {
		config.ListenAddr = DefaultListenAddr
	}
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.StartingGrant < 0 {
		config.StartingGrant = 0
	}
	return config
}
