package config

import (
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing hostname", func(c *Config) { c.Hostname = "" }, "hostname"},
		{"missing listen", func(c *Config) { c.Listen = "" }, "listen"},
		{"zero message size", func(c *Config) { c.Limits.MaxMessageSize = 0 }, "max_message_size"},
		{"zero recipients", func(c *Config) { c.Limits.MaxRecipients = 0 }, "max_recipients"},
		{"bad connection timeout", func(c *Config) { c.Timeouts.Connection = "soon" }, "connection timeout"},
		{"bad send timeout", func(c *Config) { c.Timeouts.Send = "later" }, "send timeout"},
		{"metrics without address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Address = "" }, "metrics address"},
		{"bad send port", func(c *Config) { c.Send.Port = 70000 }, "send port"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate passed, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestTimeoutAccessors(t *testing.T) {
	c := TimeoutsConfig{Connection: "90s", Send: "10s"}
	if got := c.ConnectionTimeout(); got != 90*time.Second {
		t.Errorf("ConnectionTimeout = %v", got)
	}
	if got := c.SendTimeout(); got != 10*time.Second {
		t.Errorf("SendTimeout = %v", got)
	}

	var zero TimeoutsConfig
	if got := zero.ConnectionTimeout(); got != 5*time.Minute {
		t.Errorf("unset ConnectionTimeout = %v, want the 5m fallback", got)
	}
	if got := zero.SendTimeout(); got != time.Minute {
		t.Errorf("unset SendTimeout = %v, want the 1m fallback", got)
	}

	bad := TimeoutsConfig{Connection: "nonsense"}
	if got := bad.ConnectionTimeout(); got != 5*time.Minute {
		t.Errorf("invalid ConnectionTimeout = %v, want the fallback", got)
	}
}
