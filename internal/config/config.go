// Package config loads the hsmctl configuration file.
package config

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/backkem/yubihsm/pkg/client"
	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Connector kinds.
const (
	ConnectorHTTP = "http"
	ConnectorUSB  = "usb"
	ConnectorMock = "mock"
)

// ErrNoCredentials is returned by StaticKeys when neither a password nor
// key files are configured.
var ErrNoCredentials = errors.New("config: no password or key files configured")

type Config struct {
	Connector ConnectorConfig `yaml:"connector"`
	Auth      AuthConfig      `yaml:"auth"`
	Session   SessionConfig   `yaml:"session"`
}

type ConnectorConfig struct {
	Type    string        `yaml:"type"`
	Address string        `yaml:"address"`
	Port    int           `yaml:"port"`
	Serial  string        `yaml:"serial"`
	Timeout time.Duration `yaml:"timeout"`
}

type AuthConfig struct {
	KeyID         uint16 `yaml:"key_id"`
	Password      string `yaml:"password"`
	EncKeyHexFile string `yaml:"enc_key_hex_file"`
	MacKeyHexFile string `yaml:"mac_key_hex_file"`
}

type SessionConfig struct {
	MaxCommands uint64        `yaml:"max_commands"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Connector: ConnectorConfig{
			Type:    ConnectorHTTP,
			Address: transport.DefaultHTTPAddress,
			Port:    transport.DefaultHTTPPort,
		},
		Auth: AuthConfig{
			KeyID: securechannel.DefaultAuthKeyID,
		},
		Session: SessionConfig{
			MaxCommands: client.DefaultMaxCommandsPerSession,
			IdleTimeout: client.DefaultSessionIdleTimeout,
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid field by its dotted path.
func (c *Config) Validate() error {
	switch c.Connector.Type {
	case ConnectorHTTP:
		if strings.TrimSpace(c.Connector.Address) == "" {
			return fmt.Errorf("config.connector.address is required")
		}
		if c.Connector.Port <= 0 || c.Connector.Port > 0xFFFF {
			return fmt.Errorf("config.connector.port must be 1..65535")
		}
	case ConnectorUSB:
		if c.Connector.Serial != "" {
			if _, err := transport.ParseSerialNumber(c.Connector.Serial); err != nil {
				return fmt.Errorf("config.connector.serial is invalid: %w", err)
			}
		}
	case ConnectorMock:
	default:
		return fmt.Errorf("config.connector.type must be one of %s, %s, %s", ConnectorHTTP, ConnectorUSB, ConnectorMock)
	}
	if c.Connector.Timeout < 0 {
		return fmt.Errorf("config.connector.timeout must be >= 0")
	}

	if c.Auth.KeyID == 0 {
		return fmt.Errorf("config.auth.key_id is required")
	}
	encSet := strings.TrimSpace(c.Auth.EncKeyHexFile) != ""
	macSet := strings.TrimSpace(c.Auth.MacKeyHexFile) != ""
	if encSet != macSet {
		return fmt.Errorf("config.auth.enc_key_hex_file and config.auth.mac_key_hex_file must be set together")
	}
	if encSet && c.Auth.Password != "" {
		return fmt.Errorf("config.auth.password and key files are mutually exclusive")
	}
	if encSet {
		if err := validateReadableFile(c.Auth.EncKeyHexFile, "config.auth.enc_key_hex_file"); err != nil {
			return err
		}
		if err := validateReadableFile(c.Auth.MacKeyHexFile, "config.auth.mac_key_hex_file"); err != nil {
			return err
		}
	}

	if c.Session.IdleTimeout < 0 {
		return fmt.Errorf("config.session.idle_timeout must be >= 0")
	}
	return nil
}

// ExchangeTimeout returns the configured timeout, or the default of the
// configured connector when none is set.
func (c ConnectorConfig) ExchangeTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	switch c.Type {
	case ConnectorHTTP:
		return transport.DefaultHTTPTimeout
	case ConnectorUSB:
		return transport.DefaultUSBTimeout
	default:
		return 0
	}
}

// SerialNumber returns the configured USB serial, or nil to accept any
// single attached device.
func (c *Config) SerialNumber() (*transport.SerialNumber, error) {
	if c.Connector.Serial == "" {
		return nil, nil
	}
	s, err := transport.ParseSerialNumber(c.Connector.Serial)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// StaticKeys returns the authentication key material: the key files when
// set, otherwise the key derived from the password.
func (c *Config) StaticKeys() (*securechannel.StaticKeys, error) {
	if c.Auth.EncKeyHexFile != "" {
		enc, err := LoadKeyHexFile(c.Auth.EncKeyHexFile)
		if err != nil {
			return nil, fmt.Errorf("config.auth.enc_key_hex_file: %w", err)
		}
		mac, err := LoadKeyHexFile(c.Auth.MacKeyHexFile)
		if err != nil {
			return nil, fmt.Errorf("config.auth.mac_key_hex_file: %w", err)
		}
		return securechannel.NewStaticKeys(enc, mac)
	}
	if c.Auth.Password != "" {
		return securechannel.StaticKeysFromPassword(c.Auth.Password), nil
	}
	return nil, ErrNoCredentials
}

func (c *Config) resolvePaths(configPath string) {
	configDir := filepath.Dir(configPath)
	c.Auth.EncKeyHexFile = resolvePath(configDir, c.Auth.EncKeyHexFile)
	c.Auth.MacKeyHexFile = resolvePath(configDir, c.Auth.MacKeyHexFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

func validateReadableFile(path string, field string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s must point to a file, got directory", field)
	}
	return nil
}

// LoadKeyHexFile reads a 16-byte key from the first non-empty line of path,
// written as 32 hex characters.
func LoadKeyHexFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if len(line) != 32 {
			return nil, fmt.Errorf("key must be 32 hex chars, got %d", len(line))
		}
		key, err := hex.DecodeString(line)
		if err != nil {
			return nil, fmt.Errorf("invalid hex key: %v", err)
		}
		return key, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("key file is empty")
}
