package config

import (
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

// EnvPrefix is prepended to every environment override, with dots in the
// key turned into underscores: RDPCONNECT_TARGET_HOST.
const EnvPrefix = "RDPCONNECT"

// globalConfig stores the configuration loaded with command-line overrides
// so the websocket handler sees the same values as the command.
var (
	globalConfig *Config
	configMutex  sync.Mutex
)

// Config holds the application configuration
type Config struct {
	Target   TargetConfig   `mapstructure:"target" yaml:"target"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// LoadOptions holds command-line override options
type LoadOptions struct {
	ConfigFile        string
	Host              string
	Port              int
	Username          string
	Domain            string
	LogLevel          string
	SkipTLSValidation bool
	TLSServerName     string
	UseNLA            bool
}

// TargetConfig names the server a client connects to.
type TargetConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Domain   string `mapstructure:"domain" yaml:"domain"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	Width    int    `mapstructure:"width" validate:"min=200,max=8192" yaml:"width"`
	Height   int    `mapstructure:"height" validate:"min=200,max=8192" yaml:"height"`
}

// SecurityConfig holds the protocol toggles and TLS material.
type SecurityConfig struct {
	RDP               bool     `mapstructure:"rdp" yaml:"rdp"`
	TLS               bool     `mapstructure:"tls" yaml:"tls"`
	NLA               bool     `mapstructure:"nla" yaml:"nla"`
	RDSTLS            bool     `mapstructure:"rdstls" yaml:"rdstls"`
	Ext               bool     `mapstructure:"ext" yaml:"ext"`
	AAD               bool     `mapstructure:"aad" yaml:"aad"`
	FIPS              bool     `mapstructure:"fips" yaml:"fips"`
	EncryptionLevel   string   `mapstructure:"encryption_level" validate:"required" yaml:"encryption_level"`
	EncryptionMethods []string `mapstructure:"encryption_methods" yaml:"encryption_methods"`
	TLSServerName     string   `mapstructure:"tls_server_name" yaml:"tls_server_name"`
	SkipTLSValidation bool     `mapstructure:"skip_tls_validation" yaml:"skip_tls_validation"`
	TLSCertFile       string   `mapstructure:"tls_cert_file" yaml:"tls_cert_file"`
	TLSKeyFile        string   `mapstructure:"tls_key_file" yaml:"tls_key_file"`
	RDPKeyFile        string   `mapstructure:"rdp_key_file" yaml:"rdp_key_file"`
}

// ChannelConfig is one static virtual channel requested by the client.
type ChannelConfig struct {
	Name    string `mapstructure:"name" validate:"required,max=7" yaml:"name"`
	Options uint32 `mapstructure:"options" yaml:"options"`
}

// SessionConfig holds the connection sequence knobs.
type SessionConfig struct {
	ConnectTimeout      time.Duration   `mapstructure:"connect_timeout" validate:"gt=0" yaml:"connect_timeout"`
	AckTimeout          time.Duration   `mapstructure:"ack_timeout" validate:"gt=0" yaml:"ack_timeout"`
	ActivationTimeout   time.Duration   `mapstructure:"activation_timeout" validate:"gt=0" yaml:"activation_timeout"`
	PollInterval        time.Duration   `mapstructure:"poll_interval" validate:"gt=0" yaml:"poll_interval"`
	ChannelJoin         string          `mapstructure:"channel_join" validate:"oneof=strict lenient" yaml:"channel_join"`
	SkipChannelJoin     bool            `mapstructure:"skip_channel_join" yaml:"skip_channel_join"`
	PersistentCache     bool            `mapstructure:"persistent_cache" yaml:"persistent_cache"`
	MonitorLayout       bool            `mapstructure:"monitor_layout" yaml:"monitor_layout"`
	Heartbeat           bool            `mapstructure:"heartbeat" yaml:"heartbeat"`
	NetworkAutoDetect   bool            `mapstructure:"network_auto_detect" yaml:"network_auto_detect"`
	MultitransportFlags uint32          `mapstructure:"multitransport_flags" yaml:"multitransport_flags"`
	MstscCookieMode     bool            `mapstructure:"mstsc_cookie_mode" yaml:"mstsc_cookie_mode"`
	Channels            []ChannelConfig `mapstructure:"channels" validate:"dive" yaml:"channels"`
}

// ServerConfig holds the listeners of the serve command.
type ServerConfig struct {
	ListenAddr     string   `mapstructure:"listen_addr" validate:"required,hostname_port" yaml:"listen_addr"`
	EventsAddr     string   `mapstructure:"events_addr" validate:"omitempty,hostname_port" yaml:"events_addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// MetricsConfig enables the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" validate:"omitempty,hostname_port" yaml:"addr"`
}

func setDefaults(v *viper.Viper) {
	d := settings.Default()

	v.SetDefault("target.host", "")
	v.SetDefault("target.port", d.ServerPort)
	v.SetDefault("target.username", "")
	v.SetDefault("target.domain", "")
	v.SetDefault("target.password", "")
	v.SetDefault("target.width", int(d.DesktopWidth))
	v.SetDefault("target.height", int(d.DesktopHeight))

	v.SetDefault("security.rdp", d.RdpSecurity)
	v.SetDefault("security.tls", d.TlsSecurity)
	v.SetDefault("security.nla", d.NlaSecurity)
	v.SetDefault("security.rdstls", false)
	v.SetDefault("security.ext", false)
	v.SetDefault("security.aad", false)
	v.SetDefault("security.fips", false)
	v.SetDefault("security.encryption_level", strings.ToLower(d.EncryptionLevel.String()))
	v.SetDefault("security.encryption_methods", []string{"40bit", "56bit", "128bit"})
	v.SetDefault("security.tls_server_name", "")
	v.SetDefault("security.skip_tls_validation", false)
	v.SetDefault("security.tls_cert_file", "")
	v.SetDefault("security.tls_key_file", "")
	v.SetDefault("security.rdp_key_file", "")

	v.SetDefault("session.connect_timeout", d.TcpConnectTimeout)
	v.SetDefault("session.ack_timeout", d.TcpAckTimeout)
	v.SetDefault("session.activation_timeout", d.ActivationTimeout)
	v.SetDefault("session.poll_interval", d.PollInterval)
	v.SetDefault("session.channel_join", d.ChannelJoinMode.String())
	v.SetDefault("session.skip_channel_join", false)
	v.SetDefault("session.persistent_cache", false)
	v.SetDefault("session.monitor_layout", false)
	v.SetDefault("session.heartbeat", false)
	v.SetDefault("session.network_auto_detect", false)
	v.SetDefault("session.multitransport_flags", 0)
	v.SetDefault("session.mstsc_cookie_mode", false)

	v.SetDefault("server.listen_addr", "0.0.0.0:3389")
	v.SetDefault("server.events_addr", "")
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", "127.0.0.1:9464")
}

// Load reads an optional YAML file and the environment.
func Load(path string) (*Config, error) {
	return LoadWithOverrides(LoadOptions{ConfigFile: path})
}

// LoadWithOverrides loads configuration with command-line overrides
func LoadWithOverrides(opts LoadOptions) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", opts.ConfigFile, err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	applyOverrides(&config, opts)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	configMutex.Lock()
	globalConfig = &config
	configMutex.Unlock()

	return &config, nil
}

func applyOverrides(config *Config, opts LoadOptions) {
	if opts.Host != "" {
		config.Target.Host = opts.Host
	}

	if opts.Port != 0 {
		config.Target.Port = opts.Port
	}

	if opts.Username != "" {
		config.Target.Username = opts.Username
	}

	if opts.Domain != "" {
		config.Target.Domain = opts.Domain
	}

	if opts.LogLevel != "" {
		config.Logging.Level = opts.LogLevel
	}

	if opts.TLSServerName != "" {
		config.Security.TLSServerName = opts.TLSServerName
	}

	config.Security.SkipTLSValidation = config.Security.SkipTLSValidation || opts.SkipTLSValidation
	config.Security.NLA = config.Security.NLA || opts.UseNLA
}

// GetGlobalConfig returns the configuration stored by the last successful
// LoadWithOverrides, or nil.
func GetGlobalConfig() *Config {
	configMutex.Lock()
	defer configMutex.Unlock()
	return globalConfig
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the struct tags and the values the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}

	if _, err := security.ParseEncryptionLevel(c.Security.EncryptionLevel); err != nil {
		return err
	}

	if _, err := security.ParseEncryptionMethods(c.Security.EncryptionMethods); err != nil {
		return err
	}

	if (c.Security.TLSCertFile == "") != (c.Security.TLSKeyFile == "") {
		return errors.New("TLS certificate and key files must be given together")
	}

	for _, file := range []string{c.Security.TLSCertFile, c.Security.TLSKeyFile, c.Security.RDPKeyFile} {
		if file == "" {
			continue
		}

		if _, err := os.Stat(file); os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", file)
		}
	}

	return nil
}

// Settings builds the connection record for the client role.
func (c *Config) Settings() (*settings.Settings, error) {
	s := settings.Default()

	s.ServerHostname = c.Target.Host
	s.ServerPort = c.Target.Port
	s.Username = c.Target.Username
	s.Domain = c.Target.Domain
	s.Password = c.Target.Password
	s.DesktopWidth = uint16(c.Target.Width)   // #nosec G115
	s.DesktopHeight = uint16(c.Target.Height) // #nosec G115

	s.RdpSecurity = c.Security.RDP
	s.TlsSecurity = c.Security.TLS
	s.NlaSecurity = c.Security.NLA
	s.RdstlsSecurity = c.Security.RDSTLS
	s.ExtSecurity = c.Security.Ext
	s.AadSecurity = c.Security.AAD
	s.FIPSMode = c.Security.FIPS
	s.TLSServerName = c.Security.TLSServerName
	s.TLSSkipVerify = c.Security.SkipTLSValidation

	level, err := security.ParseEncryptionLevel(c.Security.EncryptionLevel)
	if err != nil {
		return nil, err
	}

	methods, err := security.ParseEncryptionMethods(c.Security.EncryptionMethods)
	if err != nil {
		return nil, err
	}

	s.EncryptionLevel = level
	s.EncryptionMethods = methods

	mode, err := settings.ParseChannelJoinMode(c.Session.ChannelJoin)
	if err != nil {
		return nil, err
	}

	s.ChannelJoinMode = mode
	s.TcpConnectTimeout = c.Session.ConnectTimeout
	s.TcpAckTimeout = c.Session.AckTimeout
	s.ActivationTimeout = c.Session.ActivationTimeout
	s.PollInterval = c.Session.PollInterval
	s.SupportSkipChannelJoin = c.Session.SkipChannelJoin
	s.BitmapCachePersistEnabled = c.Session.PersistentCache
	s.SupportMonitorLayoutPdu = c.Session.MonitorLayout
	s.SupportHeartbeatPdu = c.Session.Heartbeat
	s.NetworkAutoDetect = c.Session.NetworkAutoDetect
	s.MultitransportFlags = c.Session.MultitransportFlags
	s.MstscCookieMode = c.Session.MstscCookieMode

	s.StaticChannels = make([]settings.Channel, 0, len(c.Session.Channels))
	for _, ch := range c.Session.Channels {
		s.StaticChannels = append(s.StaticChannels, settings.Channel{Name: ch.Name, Options: ch.Options})
	}

	return s, nil
}

// ServerSettings builds the record for the server role, loading the TLS
// pair and the Standard RDP Security key. NLA is never offered. Without an
// RDP key file a fresh 2048-bit key is generated.
func (c *Config) ServerSettings(generate func() (*rsa.PrivateKey, error)) (*settings.Settings, error) {
	s, err := c.Settings()
	if err != nil {
		return nil, err
	}

	if c.Security.TLSCertFile != "" {
		pair, err := tls.LoadX509KeyPair(c.Security.TLSCertFile, c.Security.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load TLS key pair: %w", err)
		}

		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12}
	} else {
		s.TlsSecurity = false
	}

	// the CredSSP authenticator only runs the client side
	s.NlaSecurity = false

	if !s.RdpSecurity {
		return s, nil
	}

	if c.Security.RDPKeyFile != "" {
		key, err := readRSAKey(c.Security.RDPKeyFile)
		if err != nil {
			return nil, err
		}

		s.ServerPrivateKey = key

		return s, nil
	}

	key, err := generate()
	if err != nil {
		return nil, fmt.Errorf("generate RDP key: %w", err)
	}

	s.ServerPrivateKey = key

	return s, nil
}

func readRSAKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("read RDP key: %w", err)
	}

	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("RDP key %s: no PEM block", path)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}

		key, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("RDP key %s: not an RSA key", path)
		}

		return key, nil
	}

	return nil, fmt.Errorf("RDP key %s: unsupported PEM type %q", path, block.Type)
}
