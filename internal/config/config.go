package config

import (
	"os"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultLogLevel = "info"

	defaultControlInterval = 500 // ms
	defaultReportInterval  = 60  // s
	defaultRequestTimeout  = 15  // s
	defaultPollInterval    = 1   // s
	defaultCO2Setpoint     = 1500.0
	defaultSafetyLimit     = 2000.0
	defaultFanSpeed        = 30.0
	defaultValvePulse      = 2000 // ms
	defaultValveCooldown   = 30   // s
	defaultResponseLimit   = 64 * 1024
	defaultRequestLimit    = 1024

	defaultCloudHost = "api.thingspeak.com"
	defaultCloudPort = 443
	defaultCloudPath = "/update.json"
	defaultLatitude  = 60.1699
	defaultLongitude = 24.9384
	defaultStatus    = "Update from Helsinki"

	defaultSerialPort = "/dev/ttyUSB0"
	defaultSerialBaud = 9600
	defaultCO2Unit    = 240
	defaultTRHUnit    = 241
	defaultFanUnit    = 1
	defaultValveGPIO  = 27

	defaultDatabase = "/var/lib/greenhousectl/greenhousectl.db"
	defaultPIDFile  = "/run/greenhousectl.pid"

	maxCO2Setpoint = 1500.0
	maxPort        = 65535
)

type Config struct {
	// Regulation
	ControlInterval int     `mapstructure:"control_interval"` // ms between sensor polls
	CO2Setpoint     float64 `mapstructure:"co2_setpoint"`     // ppm, used until a stored value exists
	SafetyLimit     float64 `mapstructure:"safety_limit"`     // ppm, forces full ventilation above this
	FanSpeed        float64 `mapstructure:"fan_speed"`        // percent, base exhaust speed
	ValvePulse      int     `mapstructure:"valve_pulse"`      // ms the valve stays open per pulse
	ValveCooldown   int     `mapstructure:"valve_cooldown"`   // s between valve pulses
	Monitor         bool    `mapstructure:"monitor"`          // read and report only, never actuate

	// Field bus
	SerialPort string `mapstructure:"serial_port"`
	SerialBaud int    `mapstructure:"serial_baud"`
	CO2Unit    int    `mapstructure:"co2_unit"`
	TRHUnit    int    `mapstructure:"trh_unit"`
	FanUnit    int    `mapstructure:"fan_unit"`
	ValveGPIO  int    `mapstructure:"valve_gpio"`

	// Cloud reporting
	CloudHost      string  `mapstructure:"cloud_host"`
	CloudPort      int     `mapstructure:"cloud_port"`
	CloudPath      string  `mapstructure:"cloud_path"`
	APIKey         string  `mapstructure:"api_key"`
	TalkbackKey    string  `mapstructure:"talkback_key"`
	ReportInterval int     `mapstructure:"report_interval"` // s between reports
	RequestTimeout int     `mapstructure:"request_timeout"` // s per request
	PollInterval   int     `mapstructure:"poll_interval"`   // s between liveness checks
	ResponseLimit  int     `mapstructure:"response_limit"`  // bytes
	RequestLimit   int     `mapstructure:"request_limit"`   // bytes
	Latitude       float64 `mapstructure:"latitude"`
	Longitude      float64 `mapstructure:"longitude"`
	StatusText     string  `mapstructure:"status_text"`

	// Storage and daemon
	Telemetry bool   `mapstructure:"telemetry"`
	Database  string `mapstructure:"database"`
	PIDFile   string `mapstructure:"pid_file"`

	// Logging
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
	Verbose  bool   `mapstructure:"verbose"`
}

func Load() (*Config, error) {
	errFactory := errors.New()
	v := viper.New()
	setDefaults(v)

	fs := pflag.NewFlagSet("greenhousectl", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = true
	configFlag := fs.String("config", "", "Path to configuration file")
	fs.Bool("debug", false, "Enable debugging mode")
	fs.Bool("verbose", false, "Enable verbose logging")
	fs.Bool("monitor", false, "Only monitor sensors and report, never actuate")
	fs.String("log-level", "", "Log level (debug, info, warning, error)")
	fs.Int("interval", defaultControlInterval, "Milliseconds between sensor polls")
	fs.Int("report-interval", defaultReportInterval, "Seconds between cloud reports")
	fs.Float64("setpoint", defaultCO2Setpoint, "Initial CO2 setpoint in ppm")
	fs.String("serial-port", defaultSerialPort, "Serial device for the field bus")
	fs.String("database", defaultDatabase, "Path to the local database")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	flagBindings := map[string]string{
		"debug":            "debug",
		"verbose":          "verbose",
		"monitor":          "monitor",
		"log_level":        "log-level",
		"control_interval": "interval",
		"report_interval":  "report-interval",
		"co2_setpoint":     "setpoint",
		"serial_port":      "serial-port",
		"database":         "database",
	}
	for key, name := range flagBindings {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	configPath := *configFlag
	if configPath == "" {
		configPath = os.Getenv("GREENHOUSECTL_CONFIG")
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, errFactory.Wrap(errors.ErrReadConfig, err)
		}
	} else {
		v.SetConfigName("greenhousectl")
		v.SetConfigType("toml")
		v.AddConfigPath("/etc/greenhousectl")
		v.AddConfigPath("$HOME/.config/greenhousectl")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errFactory.Wrap(errors.ErrReadConfig, err)
			}
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	// Debug and verbose flags take precedence over a configured level
	if config.Debug {
		config.LogLevel = string(LogLevelDebug)
	} else if config.Verbose && config.LogLevel == "" {
		config.LogLevel = string(LogLevelInfo)
	}
	if config.LogLevel == "" {
		config.LogLevel = DefaultLogLevel
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("control_interval", defaultControlInterval)
	v.SetDefault("co2_setpoint", defaultCO2Setpoint)
	v.SetDefault("safety_limit", defaultSafetyLimit)
	v.SetDefault("fan_speed", defaultFanSpeed)
	v.SetDefault("valve_pulse", defaultValvePulse)
	v.SetDefault("valve_cooldown", defaultValveCooldown)
	v.SetDefault("monitor", false)

	v.SetDefault("serial_port", defaultSerialPort)
	v.SetDefault("serial_baud", defaultSerialBaud)
	v.SetDefault("co2_unit", defaultCO2Unit)
	v.SetDefault("trh_unit", defaultTRHUnit)
	v.SetDefault("fan_unit", defaultFanUnit)
	v.SetDefault("valve_gpio", defaultValveGPIO)

	v.SetDefault("cloud_host", defaultCloudHost)
	v.SetDefault("cloud_port", defaultCloudPort)
	v.SetDefault("cloud_path", defaultCloudPath)
	v.SetDefault("api_key", "")
	v.SetDefault("talkback_key", "")
	v.SetDefault("report_interval", defaultReportInterval)
	v.SetDefault("request_timeout", defaultRequestTimeout)
	v.SetDefault("poll_interval", defaultPollInterval)
	v.SetDefault("response_limit", defaultResponseLimit)
	v.SetDefault("request_limit", defaultRequestLimit)
	v.SetDefault("latitude", defaultLatitude)
	v.SetDefault("longitude", defaultLongitude)
	v.SetDefault("status_text", defaultStatus)

	v.SetDefault("telemetry", true)
	v.SetDefault("database", defaultDatabase)
	v.SetDefault("pid_file", defaultPIDFile)

	v.SetDefault("log_level", "")
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
}

func (c *Config) validate() error {
	errFactory := errors.New()

	if !LogLevel(c.LogLevel).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}

	intervals := map[string]int{
		"control_interval": c.ControlInterval,
		"report_interval":  c.ReportInterval,
		"request_timeout":  c.RequestTimeout,
		"poll_interval":    c.PollInterval,
		"valve_pulse":      c.ValvePulse,
	}
	for name, value := range intervals {
		if value <= 0 {
			return errFactory.WithData(errors.ErrInvalidInterval, name)
		}
	}
	if c.ValveCooldown < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "valve_cooldown")
	}

	if c.CO2Setpoint <= 0 || c.CO2Setpoint > maxCO2Setpoint {
		return errFactory.WithData(errors.ErrInvalidConfig, "co2_setpoint out of range")
	}
	if c.SafetyLimit <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "safety_limit must be positive")
	}
	if c.FanSpeed < 0 || c.FanSpeed > 100 {
		return errFactory.WithData(errors.ErrInvalidConfig, "fan_speed out of range")
	}
	if c.CloudPort <= 0 || c.CloudPort > maxPort {
		return errFactory.WithData(errors.ErrInvalidConfig, "cloud_port out of range")
	}
	if c.ResponseLimit <= 0 || c.RequestLimit <= 0 {
		return errFactory.WithData(errors.ErrInvalidConfig, "buffer limits must be positive")
	}

	return nil
}
