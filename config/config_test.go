package config

import (
	"testing"
	"time"

	"github.com/Shopify/sarama"
	"github.com/wvanbergen/kazoo-go"
)

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default() should validate, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config { return Default() }

	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"zero Zookeeper.Timeout", func(c *Config) { c.Zookeeper.Timeout = 0 }, true},
		{"negative Zookeeper.Timeout", func(c *Config) { c.Zookeeper.Timeout = -1 }, true},
		{"nil Zookeeper is skipped", func(c *Config) { c.Zookeeper = nil }, false},
		{"zero MaxBytes", func(c *Config) { c.MaxBytes = 0 }, true},
		{"negative MaxBytes", func(c *Config) { c.MaxBytes = -1 }, true},
		{"negative ClaimTimeout", func(c *Config) { c.ClaimTimeout = -1 }, true},
		{"zero ClaimTimeout is allowed", func(c *Config) { c.ClaimTimeout = 0 }, false},
		{"negative LoopDelay", func(c *Config) { c.LoopDelay = -1 }, true},
		{"zero LoopDelay is allowed", func(c *Config) { c.LoopDelay = 0 }, false},
		{"zero SocketTimeout", func(c *Config) { c.SocketTimeout = 0 }, true},
		{"negative SocketTimeout", func(c *Config) { c.SocketTimeout = -1 }, true},
		{"nil Sarama is skipped", func(c *Config) { c.Sarama = nil }, false},
		{"invalid Sarama config surfaces its own error", func(c *Config) {
			c.Sarama.Net.MaxOpenRequests = 0
		}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := base()
			tc.mutate(c)
			err := c.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("Validate() = nil, want an error")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
		})
	}
}

func TestValidateNilZookeeperAndSaramaTogether(t *testing.T) {
	c := &Config{
		MaxBytes:      1,
		ClaimTimeout:  time.Second,
		LoopDelay:     time.Second,
		SocketTimeout: time.Second,
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("Validate() with nil Zookeeper/Sarama = %v, want nil", err)
	}
}

func TestDefaultFieldValues(t *testing.T) {
	c := Default()
	if c.MaxBytes != 1<<20 {
		t.Fatalf("MaxBytes default = %d, want 1MiB", c.MaxBytes)
	}
	if c.MaxWait != 100*time.Millisecond {
		t.Fatalf("MaxWait default = %v, want 100ms", c.MaxWait)
	}
	if c.ClaimTimeout != 30*time.Second {
		t.Fatalf("ClaimTimeout default = %v, want 30s", c.ClaimTimeout)
	}
	if c.LoopDelay != time.Second {
		t.Fatalf("LoopDelay default = %v, want 1s", c.LoopDelay)
	}
	if c.SocketTimeout != 10*time.Second {
		t.Fatalf("SocketTimeout default = %v, want 10s", c.SocketTimeout)
	}
	if c.Register != true {
		t.Fatalf("Register default = %v, want true", c.Register)
	}
	if _, ok := interface{}(c.Sarama).(*sarama.Config); !ok {
		t.Fatalf("Sarama default should be a *sarama.Config")
	}
	if _, ok := interface{}(c.Zookeeper).(*kazoo.Config); !ok {
		t.Fatalf("Zookeeper default should be a *kazoo.Config")
	}
}
