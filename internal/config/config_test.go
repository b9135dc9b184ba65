package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/backkem/yubihsm/pkg/securechannel"
	"github.com/backkem/yubihsm/pkg/transport"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadResolvesRelativeKeyFiles(t *testing.T) {
	tmp := t.TempDir()
	encPath := filepath.Join(tmp, "enc.hex")
	macPath := filepath.Join(tmp, "mac.hex")
	writeFile(t, encPath, "090b47dbed595654901dee1cc655e420\n")
	writeFile(t, macPath, "592fd483f759e29909a04c4505d2ce0a\n")

	cfgPath := filepath.Join(tmp, "hsmctl.yaml")
	writeFile(t, cfgPath, `
connector:
  type: usb
  serial: "0007550054"
  timeout: 10s
auth:
  key_id: 1
  enc_key_hex_file: "enc.hex"
  mac_key_hex_file: "mac.hex"
session:
  max_commands: 500
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Auth.EncKeyHexFile != encPath {
		t.Fatalf("expected resolved enc key path %q, got %q", encPath, cfg.Auth.EncKeyHexFile)
	}
	if cfg.Auth.MacKeyHexFile != macPath {
		t.Fatalf("expected resolved mac key path %q, got %q", macPath, cfg.Auth.MacKeyHexFile)
	}
	if cfg.Connector.Timeout != 10*time.Second {
		t.Errorf("Timeout = %v, want 10s", cfg.Connector.Timeout)
	}
	if cfg.Session.MaxCommands != 500 {
		t.Errorf("MaxCommands = %d, want 500", cfg.Session.MaxCommands)
	}
	// Unset fields keep their defaults.
	if cfg.Session.IdleTimeout != Default().Session.IdleTimeout {
		t.Errorf("IdleTimeout = %v, want default", cfg.Session.IdleTimeout)
	}

	serial, err := cfg.SerialNumber()
	if err != nil || serial == nil || uint32(*serial) != 7550054 {
		t.Errorf("SerialNumber() = %v, %v", serial, err)
	}

	keys, err := cfg.StaticKeys()
	if err != nil {
		t.Fatalf("StaticKeys() error = %v", err)
	}
	if !keys.Equal(securechannel.StaticKeysFromPassword(securechannel.DefaultPassword)) {
		t.Error("key files should hold the keys of the default password")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "hsmctl.yaml")
	writeFile(t, cfgPath, `
connector:
  type: http
  adress: 10.0.0.1
`)

	if _, err := Load(cfgPath); err == nil || !strings.Contains(err.Error(), "parse config yaml") {
		t.Fatalf("Load() error = %v, want parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tmp := t.TempDir()
	keyPath := filepath.Join(tmp, "key.hex")
	writeFile(t, keyPath, "00112233445566778899aabbccddeeff\n")

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"mock", func(c *Config) { c.Connector.Type = ConnectorMock }, ""},
		{"unknown type", func(c *Config) { c.Connector.Type = "serial" }, "config.connector.type"},
		{"empty address", func(c *Config) { c.Connector.Address = " " }, "config.connector.address"},
		{"bad port", func(c *Config) { c.Connector.Port = 70000 }, "config.connector.port"},
		{"bad serial", func(c *Config) {
			c.Connector.Type = ConnectorUSB
			c.Connector.Serial = "abc"
		}, "config.connector.serial"},
		{"zero key id", func(c *Config) { c.Auth.KeyID = 0 }, "config.auth.key_id"},
		{"enc without mac", func(c *Config) { c.Auth.EncKeyHexFile = keyPath }, "must be set together"},
		{"password and key files", func(c *Config) {
			c.Auth.Password = "secret"
			c.Auth.EncKeyHexFile = keyPath
			c.Auth.MacKeyHexFile = keyPath
		}, "mutually exclusive"},
		{"missing key file", func(c *Config) {
			c.Auth.EncKeyHexFile = filepath.Join(tmp, "missing.hex")
			c.Auth.MacKeyHexFile = keyPath
		}, "config.auth.enc_key_hex_file"},
		{"key file is directory", func(c *Config) {
			c.Auth.EncKeyHexFile = keyPath
			c.Auth.MacKeyHexFile = tmp
		}, "got directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExchangeTimeout(t *testing.T) {
	tests := []struct {
		name string
		conn ConnectorConfig
		want time.Duration
	}{
		{"http default", ConnectorConfig{Type: ConnectorHTTP}, transport.DefaultHTTPTimeout},
		{"usb default", ConnectorConfig{Type: ConnectorUSB}, transport.DefaultUSBTimeout},
		{"mock default", ConnectorConfig{Type: ConnectorMock}, 0},
		{"explicit", ConnectorConfig{Type: ConnectorUSB, Timeout: 3 * time.Second}, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.conn.ExchangeTimeout(); got != tt.want {
				t.Errorf("ExchangeTimeout() = %v, want %v", got, tt.want)
			}
		})
	}

	// A file that selects USB without a timeout gets the USB default.
	cfgPath := filepath.Join(t.TempDir(), "hsmctl.yaml")
	writeFile(t, cfgPath, "connector:\n  type: usb\n")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got := cfg.Connector.ExchangeTimeout(); got != transport.DefaultUSBTimeout {
		t.Errorf("ExchangeTimeout() = %v, want %v", got, transport.DefaultUSBTimeout)
	}
}

func TestStaticKeys(t *testing.T) {
	cfg := Default()
	if _, err := cfg.StaticKeys(); !errors.Is(err, ErrNoCredentials) {
		t.Errorf("StaticKeys() error = %v, want ErrNoCredentials", err)
	}

	cfg.Auth.Password = "password"
	keys, err := cfg.StaticKeys()
	if err != nil {
		t.Fatalf("StaticKeys() error = %v", err)
	}
	if !keys.Equal(securechannel.StaticKeysFromPassword("password")) {
		t.Error("StaticKeys() does not match the password-derived keys")
	}
}

func TestLoadKeyHexFile(t *testing.T) {
	tmp := t.TempDir()

	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"valid", "\n  00112233445566778899AABBCCDDEEFF  \n", false},
		{"short", "0011", true},
		{"not hex", "zz112233445566778899aabbccddeeff", true},
		{"empty", "\n\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(tmp, strings.ReplaceAll(tt.name, " ", "_")+".hex")
			writeFile(t, path, tt.content)

			key, err := LoadKeyHexFile(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadKeyHexFile() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(key) != 16 {
				t.Errorf("key length = %d, want 16", len(key))
			}
		})
	}
}
