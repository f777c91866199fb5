package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration as read from config.yaml. Zero values
// are replaced by the defaults below, so a partial file is fine.
type Config struct {
	TunName          string `yaml:"tunName"`          // TUN device name, provisioned by the harness
	LocalAddr        string `yaml:"localAddr"`        // address the harness assigned to the device
	MTU              int    `yaml:"mtu"`              // device MTU
	PreferredMSS     int    `yaml:"preferredMSS"`     // MSS offered on SYN
	PayloadPoolSize  int    `yaml:"payloadPoolSize"`  // number of payload chunks in the ring pool
	TickIntervalMs   int    `yaml:"tickIntervalMs"`   // timer loop granularity
	RtoBaseMs        int    `yaml:"rtoBaseMs"`        // first retransmission deadline
	RtoCapMs         int    `yaml:"rtoCapMs"`         // retransmission backoff ceiling
	MaxRetransmits   int    `yaml:"maxRetransmits"`   // per-segment resend budget
	HandshakeRetries int    `yaml:"handshakeRetries"` // SYN / SYN-ACK resend budget
	TimeWaitSec      int    `yaml:"timeWaitSec"`      // TIME_WAIT quiescence interval
	RecvBufferSize   int    `yaml:"recvBufferSize"`   // per-connection receive buffer
	SendBufferSize   int    `yaml:"sendBufferSize"`   // per-connection send buffer
	ReorderLimit     int    `yaml:"reorderLimit"`     // out-of-order segments buffered per connection
	ClientPortLower  int    `yaml:"clientPortLower"`  // ephemeral port range for active opens
	ClientPortUpper  int    `yaml:"clientPortUpper"`
	Debug            bool   `yaml:"debug"` // per-frame decode logging
}

var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		TunName:          "tun0",
		LocalAddr:        "192.168.0.1",
		MTU:              1500,
		PreferredMSS:     1400,
		PayloadPoolSize:  2000,
		TickIntervalMs:   25,
		RtoBaseMs:        200,
		RtoCapMs:         10000,
		MaxRetransmits:   8,
		HandshakeRetries: 5,
		TimeWaitSec:      60,
		RecvBufferSize:   65535,
		SendBufferSize:   65535,
		ReorderLimit:     64,
		ClientPortLower:  32768,
		ClientPortUpper:  60999,
	}
}

// ReadConfig loads path over the defaults. A missing file just yields the
// defaults so binaries run without a config.yaml next to them.
func ReadConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return conf, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	if err := conf.validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return conf, nil
}

func (c *Config) validate() error {
	if c.MTU < 576 {
		return fmt.Errorf("mtu %d is below the IPv4 minimum of 576", c.MTU)
	}
	if c.PreferredMSS <= 0 || c.PreferredMSS > c.MTU-40 {
		return fmt.Errorf("preferredMSS %d does not fit mtu %d minus 40 bytes of headers", c.PreferredMSS, c.MTU)
	}
	if c.ClientPortLower <= 0 || c.ClientPortUpper > 65535 || c.ClientPortLower >= c.ClientPortUpper {
		return fmt.Errorf("client port range [%d, %d) is invalid", c.ClientPortLower, c.ClientPortUpper)
	}
	return nil
}
