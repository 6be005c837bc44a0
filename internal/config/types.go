package config

// Config represents the complete framewire configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Transport TransportConfig `yaml:"transport"`
	Admin     AdminConfig     `yaml:"admin,omitempty"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	Listen    string `yaml:"listen"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// TransportConfig defines per-connection transport settings. These are the
// knobs applied to every dispatcher before its first poll.
type TransportConfig struct {
	// KeepAliveTimeout is the idle timeout in whole seconds. A connection
	// with no decoded frame for this long is shut down. Zero disables it.
	KeepAliveTimeout int `yaml:"keep_alive_timeout"`

	// DisconnectTimeout bounds, in milliseconds, how long a closing
	// connection may spend flushing buffered writes. Zero disables it.
	DisconnectTimeout int `yaml:"disconnect_timeout"`

	// MaxFrameSize caps the payload size accepted and produced by the
	// framed codec, in bytes.
	MaxFrameSize int `yaml:"max_frame_size"`
}

// AdminConfig defines the read-only HTTP admin API settings.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "framewire",
			Listen:    "127.0.0.1:7410",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Transport: TransportConfig{
			KeepAliveTimeout:  30,
			DisconnectTimeout: 1000,
			MaxFrameSize:      1 << 20,
		},
		Admin: AdminConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
