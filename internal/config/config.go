package config

import (
	"github.com/spf13/viper"
)

// Config is the engine configuration loaded from config.yaml
// and the environment
type Config struct {
	BaseDir     string `mapstructure:"base_dir"`
	DownloadDir string `mapstructure:"download_dir"`
	LogLevel    string `mapstructure:"log_level"`

	IP    string   `mapstructure:"ip"`
	Ports []uint16 `mapstructure:"ports"`

	StreamAddr string `mapstructure:"stream_addr"`

	MaxConnections int `mapstructure:"max_connections"`
	DownloadRate   int `mapstructure:"download_rate"`
	UploadRate     int `mapstructure:"upload_rate"`

	ReadAheadPieces int  `mapstructure:"read_ahead_pieces"`
	TailPinPieces   int  `mapstructure:"tail_pin_pieces"`
	Seed            bool `mapstructure:"seed"`

	BootstrapNodes []string `mapstructure:"bootstrap_nodes"`
	DisableUPnP    bool     `mapstructure:"disable_upnp"`
	DisableDHT     bool     `mapstructure:"disable_dht"`
}

// Load reads the configuration, falling back to defaults
// when no config file exists
func Load(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.streambit")
	}

	viper.SetEnvPrefix("streambit")
	viper.AutomaticEnv()

	viper.SetDefault("base_dir", ".streambit")
	viper.SetDefault("download_dir", "downloads")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("stream_addr", ":8090")
	viper.SetDefault("max_connections", 200)
	viper.SetDefault("download_rate", 0)
	viper.SetDefault("upload_rate", 0)
	viper.SetDefault("read_ahead_pieces", 8)
	viper.SetDefault("tail_pin_pieces", 3)
	viper.SetDefault("seed", false)

	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
