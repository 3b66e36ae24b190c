// Package config loads the sensorhud configuration from defaults, an optional
// YAML file, SENSORHUD_ environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/lowaak/sensorhud/internal/sensor"
)

const EnvPrefix = "SENSORHUD"

const (
	TransportTinyGo = "tinygo"
	TransportMock   = "mock"
)

type Config struct {
	Transport string                   `mapstructure:"transport" yaml:"transport"`
	Pool      PoolConfig               `mapstructure:"pool" yaml:"pool"`
	Scan      ScanConfig               `mapstructure:"scan" yaml:"scan"`
	Connect   ConnectConfig            `mapstructure:"connect" yaml:"connect"`
	Log       LogConfig                `mapstructure:"log" yaml:"log"`
	Model     ModelConfig              `mapstructure:"model" yaml:"model"`
	Services  map[string]ServiceConfig `mapstructure:"services" yaml:"services"`
	Mock      MockConfig               `mapstructure:"mock" yaml:"mock"`
}

type PoolConfig struct {
	Size int `mapstructure:"size" yaml:"size"`
}

type ScanConfig struct {
	Rounds int           `mapstructure:"rounds" yaml:"rounds"`
	Window time.Duration `mapstructure:"window" yaml:"window"`
}

type ConnectConfig struct {
	Backoff time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
}

type ModelConfig struct {
	TireCircumferenceMM float64 `mapstructure:"tire_circumference_mm" yaml:"tire_circumference_mm"`
}

// ServiceConfig overrides the GATT UUIDs of one sensor kind
type ServiceConfig struct {
	ServiceUUID        string `mapstructure:"service_uuid" yaml:"service_uuid"`
	CharacteristicUUID string `mapstructure:"characteristic_uuid" yaml:"characteristic_uuid"`
}

type MockConfig struct {
	NotifyInterval time.Duration `mapstructure:"notify_interval" yaml:"notify_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport", TransportTinyGo)
	v.SetDefault("pool.size", 10)
	v.SetDefault("scan.rounds", 5)
	v.SetDefault("scan.window", 5*time.Second)
	v.SetDefault("connect.backoff", time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("model.tire_circumference_mm", 2168.0)
	v.SetDefault("mock.notify_interval", time.Second)
	for _, d := range sensor.DefaultServiceTable().Services() {
		v.SetDefault("services."+string(d.Kind)+".service_uuid", d.ServiceUUID)
		v.SetDefault("services."+string(d.Kind)+".characteristic_uuid", d.CharacteristicUUID)
	}
}

// Loader resolves a Config from every configuration source
type Loader struct {
	v *viper.Viper
}

func NewLoader() *Loader {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// flag name -> configuration key
var flagKeys = map[string]string{
	"transport":   "transport",
	"pool-size":   "pool.size",
	"scan-rounds": "scan.rounds",
	"scan-window": "scan.window",
	"backoff":     "connect.backoff",
	"log-level":   "log.level",
	"log-file":    "log.file",
}

// BindFlags registers the configuration flags on fs. Flags only override
// the other sources when they are set explicitly.
func (l *Loader) BindFlags(fs *pflag.FlagSet) error {
	fs.String("config", "", "Path to a YAML configuration file")
	fs.String("transport", TransportTinyGo, "Bluetooth transport (tinygo, mock)")
	fs.Int("pool-size", 10, "Maximum number of concurrently running tasks")
	fs.Int("scan-rounds", 5, "Discovery passes per scan")
	fs.Duration("scan-window", 5*time.Second, "Duration of one discovery pass")
	fs.Duration("backoff", time.Second, "Pause between failed connect attempts")
	fs.String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	fs.String("log-file", "", "Write logs to a rotating file")

	if err := l.v.BindPFlag("config", fs.Lookup("config")); err != nil {
		return err
	}
	for name, key := range flagKeys {
		if err := l.v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return fmt.Errorf("binding flag %s: %w", name, err)
		}
	}
	return nil
}

// Load reads the configuration file, if one was given, and returns the
// validated configuration
func (l *Loader) Load() (*Config, error) {
	if path := l.v.GetString("config"); path != "" {
		l.v.SetConfigFile(path)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportTinyGo, TransportMock:
	default:
		errs = append(errs, fmt.Errorf("transport must be %q or %q, got %q", TransportTinyGo, TransportMock, c.Transport))
	}
	if c.Pool.Size <= 0 {
		errs = append(errs, errors.New("pool.size must be > 0"))
	}
	if c.Scan.Rounds <= 0 {
		errs = append(errs, errors.New("scan.rounds must be > 0"))
	}
	if c.Scan.Window <= 0 {
		errs = append(errs, errors.New("scan.window must be > 0"))
	}
	if c.Connect.Backoff <= 0 {
		errs = append(errs, errors.New("connect.backoff must be > 0"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Model.TireCircumferenceMM <= 0 {
		errs = append(errs, errors.New("model.tire_circumference_mm must be > 0"))
	}
	if c.Transport == TransportMock && c.Mock.NotifyInterval <= 0 {
		errs = append(errs, errors.New("mock.notify_interval must be > 0"))
	}
	if _, err := c.ServiceTable(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ServiceTable builds the supported-service table. Kinds without an entry
// keep their built-in UUIDs.
func (c *Config) ServiceTable() (sensor.ServiceTable, error) {
	for name := range c.Services {
		if _, err := sensor.ParseKind(name); err != nil {
			return sensor.ServiceTable{}, fmt.Errorf("services.%s: %w", name, err)
		}
	}

	descriptors := make([]sensor.ServiceDescriptor, 0, len(sensor.AllKinds))
	defaults := sensor.DefaultServiceTable()
	for _, kind := range sensor.AllKinds {
		d, _ := defaults.ByKind(kind)
		if sc, ok := c.Services[string(kind)]; ok {
			if sc.ServiceUUID != "" {
				d.ServiceUUID = sc.ServiceUUID
			}
			if sc.CharacteristicUUID != "" {
				d.CharacteristicUUID = sc.CharacteristicUUID
			}
		}
		descriptors = append(descriptors, d)
	}
	return sensor.NewServiceTable(descriptors...)
}

// YAML renders the effective configuration
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
