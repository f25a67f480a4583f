package config

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcarmo/rdpconnect/internal/security"
	"github.com/rcarmo/rdpconnect/internal/settings"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "", config.Target.Host)
	assert.Equal(t, 3389, config.Target.Port)
	assert.Equal(t, 1024, config.Target.Width)
	assert.Equal(t, 768, config.Target.Height)

	assert.True(t, config.Security.RDP)
	assert.True(t, config.Security.TLS)
	assert.False(t, config.Security.NLA)
	assert.Equal(t, "client_compatible", config.Security.EncryptionLevel)
	assert.Equal(t, []string{"40bit", "56bit", "128bit"}, config.Security.EncryptionMethods)

	assert.Equal(t, 5*time.Second, config.Session.ConnectTimeout)
	assert.Equal(t, 15*time.Second, config.Session.ActivationTimeout)
	assert.Equal(t, 100*time.Millisecond, config.Session.PollInterval)
	assert.Equal(t, "strict", config.Session.ChannelJoin)

	assert.Equal(t, "0.0.0.0:3389", config.Server.ListenAddr)
	assert.Equal(t, "info", config.Logging.Level)
	assert.Equal(t, "text", config.Logging.Format)
	assert.False(t, config.Metrics.Enabled)
}

func TestLoad_Environment(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, c *Config)
		wantErr bool
	}{
		{
			name: "target and session",
			envVars: map[string]string{
				"RDPCONNECT_TARGET_HOST":                "rdp.example.test",
				"RDPCONNECT_TARGET_WIDTH":               "1920",
				"RDPCONNECT_TARGET_HEIGHT":              "1080",
				"RDPCONNECT_SESSION_ACTIVATION_TIMEOUT": "30s",
			},
			check: func(t *testing.T, c *Config) {
				assert.Equal(t, "rdp.example.test", c.Target.Host)
				assert.Equal(t, 1920, c.Target.Width)
				assert.Equal(t, 1080, c.Target.Height)
				assert.Equal(t, 30*time.Second, c.Session.ActivationTimeout)
			},
		},
		{
			name: "security toggles",
			envVars: map[string]string{
				"RDPCONNECT_SECURITY_TLS":                "false",
				"RDPCONNECT_SECURITY_NLA":                "true",
				"RDPCONNECT_SECURITY_ENCRYPTION_METHODS": "128bit,fips",
			},
			check: func(t *testing.T, c *Config) {
				assert.False(t, c.Security.TLS)
				assert.True(t, c.Security.NLA)
				assert.Equal(t, []string{"128bit", "fips"}, c.Security.EncryptionMethods)
			},
		},
		{
			name:    "invalid log level",
			envVars: map[string]string{"RDPCONNECT_LOGGING_LEVEL": "verbose"},
			wantErr: true,
		},
		{
			name:    "invalid encryption level",
			envVars: map[string]string{"RDPCONNECT_SECURITY_ENCRYPTION_LEVEL": "ultra"},
			wantErr: true,
		},
		{
			name:    "invalid join mode",
			envVars: map[string]string{"RDPCONNECT_SESSION_CHANNEL_JOIN": "maybe"},
			wantErr: true,
		},
		{
			name:    "desktop too small",
			envVars: map[string]string{"RDPCONNECT_TARGET_WIDTH": "50"},
			wantErr: true,
		},
		{
			name:    "port out of range",
			envVars: map[string]string{"RDPCONNECT_TARGET_PORT": "70000"},
			wantErr: true,
		},
		{
			name:    "cert without key",
			envVars: map[string]string{"RDPCONNECT_SECURITY_TLS_CERT_FILE": "/nonexistent/cert.pem"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			config, err := Load("")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			tt.check(t, config)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := writeFile(t, "rdpconnect.yaml", `
target:
  host: 10.0.0.5
  username: alice
session:
  channel_join: lenient
  poll_interval: 5ms
  channels:
    - name: cliprdr
      options: 3231711232
    - name: rdpsnd
      options: 3221225472
logging:
  format: json
`)

	config, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", config.Target.Host)
	assert.Equal(t, "alice", config.Target.Username)
	assert.Equal(t, 3389, config.Target.Port)
	assert.Equal(t, "lenient", config.Session.ChannelJoin)
	assert.Equal(t, 5*time.Millisecond, config.Session.PollInterval)
	assert.Equal(t, []ChannelConfig{
		{Name: "cliprdr", Options: 0xC0A00000},
		{Name: "rdpsnd", Options: 0xC0000000},
	}, config.Session.Channels)
	assert.Equal(t, "json", config.Logging.Format)
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("channel name too long", func(t *testing.T) {
		path := writeFile(t, "long.yaml", "session:\n  channels:\n    - name: clipboard\n")

		_, err := Load(path)
		assert.Error(t, err)
	})
}

func TestLoadWithOverrides(t *testing.T) {
	config, err := LoadWithOverrides(LoadOptions{
		Host:              "override.example.test",
		Port:              3390,
		Username:          "bob",
		Domain:            "CONTOSO",
		LogLevel:          "debug",
		SkipTLSValidation: true,
		TLSServerName:     "rdp.contoso.test",
		UseNLA:            true,
	})
	require.NoError(t, err)

	assert.Equal(t, "override.example.test", config.Target.Host)
	assert.Equal(t, 3390, config.Target.Port)
	assert.Equal(t, "bob", config.Target.Username)
	assert.Equal(t, "CONTOSO", config.Target.Domain)
	assert.Equal(t, "debug", config.Logging.Level)
	assert.True(t, config.Security.SkipTLSValidation)
	assert.Equal(t, "rdp.contoso.test", config.Security.TLSServerName)
	assert.True(t, config.Security.NLA)

	assert.Same(t, config, GetGlobalConfig())

	t.Run("invalid override", func(t *testing.T) {
		_, err := LoadWithOverrides(LoadOptions{LogLevel: "loud"})
		assert.Error(t, err)
		assert.Same(t, config, GetGlobalConfig())
	})
}

func TestConfig_Settings(t *testing.T) {
	config, err := Load("")
	require.NoError(t, err)

	config.Target.Host = "rdp.example.test"
	config.Target.Username = "alice"
	config.Target.Password = "secret"
	config.Security.TLS = false
	config.Security.EncryptionLevel = "high"
	config.Security.EncryptionMethods = []string{"128bit"}
	config.Session.ChannelJoin = "lenient"
	config.Session.PersistentCache = true
	config.Session.Channels = []ChannelConfig{{Name: "cliprdr", Options: 0xC0A00000}}

	s, err := config.Settings()
	require.NoError(t, err)

	assert.Equal(t, "rdp.example.test", s.ServerHostname)
	assert.Equal(t, 3389, s.ServerPort)
	assert.Equal(t, "alice", s.Username)
	assert.Equal(t, "secret", s.Password)
	assert.Equal(t, uint16(1024), s.DesktopWidth)
	assert.True(t, s.RdpSecurity)
	assert.False(t, s.TlsSecurity)
	assert.Equal(t, security.EncryptionLevelHigh, s.EncryptionLevel)
	assert.Equal(t, security.EncryptionMethod128Bit, s.EncryptionMethods)
	assert.Equal(t, settings.ChannelJoinLenient, s.ChannelJoinMode)
	assert.True(t, s.BitmapCachePersistEnabled)
	assert.Equal(t, []settings.Channel{{Name: "cliprdr", Options: 0xC0A00000}}, s.StaticChannels)
	assert.Equal(t, []string{"cliprdr"}, s.ChannelNames())
}

func TestConfig_ServerSettings(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	generated := 0
	generate := func() (*rsa.PrivateKey, error) {
		generated++
		return key, nil
	}

	t.Run("generated key without TLS material", func(t *testing.T) {
		generated = 0

		config, err := Load("")
		require.NoError(t, err)

		s, err := config.ServerSettings(generate)
		require.NoError(t, err)

		assert.False(t, s.TlsSecurity)
		assert.False(t, s.NlaSecurity)
		assert.Nil(t, s.TLSConfig)
		assert.Same(t, key, s.ServerPrivateKey)
		assert.Equal(t, 1, generated)
	})

	t.Run("no key when standard security is off", func(t *testing.T) {
		generated = 0

		config, err := Load("")
		require.NoError(t, err)
		config.Security.RDP = false

		s, err := config.ServerSettings(generate)
		require.NoError(t, err)

		assert.Nil(t, s.ServerPrivateKey)
		assert.Equal(t, 0, generated)
	})

	t.Run("key file", func(t *testing.T) {
		generated = 0

		block := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
		path := writeFile(t, "rdp.pem", string(block))

		config, err := Load("")
		require.NoError(t, err)
		config.Security.RDPKeyFile = path

		s, err := config.ServerSettings(generate)
		require.NoError(t, err)

		require.NotNil(t, s.ServerPrivateKey)
		assert.Equal(t, 0, key.N.Cmp(s.ServerPrivateKey.N))
		assert.Equal(t, 0, generated)
	})

	t.Run("key file without PEM", func(t *testing.T) {
		config, err := Load("")
		require.NoError(t, err)
		config.Security.RDPKeyFile = writeFile(t, "junk.pem", "not a key")

		_, err = config.ServerSettings(generate)
		assert.Error(t, err)
	})
}
