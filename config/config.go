// Package config loads the operator-supplied settings both forwarding
// roles need: which broker to use, which targets or local ports to
// expose, and how to reach a transit relay.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DefaultRendezvousURL is used when no rendezvous-url is configured.
const DefaultRendezvousURL = "wss://relay.webwormhole.io"

// DefaultBindAddress matches spec.md §6: bind-address defaults to "::".
const DefaultBindAddress = "::"

// Target is one (optional host, port) forwarding destination, read off
// the "targets" list for the serve role.
type Target struct {
	Host string `mapstructure:"host"`
	Port uint16 `mapstructure:"port"`
}

// Config holds every option spec.md §6 names as recognized configuration.
type Config struct {
	// AppID is used in the rendezvous bind message and transit key
	// derivation.
	AppID string `mapstructure:"appid"`

	// RendezvousURL is the broker's websocket URL; lowercased before use
	// (rendezvous.Client does the lowercasing).
	RendezvousURL string `mapstructure:"rendezvous_url"`

	// RetryDelaySeconds is the single-shot reconnect delay passed to the
	// rendezvous client.
	RetryDelaySeconds float64 `mapstructure:"retry_delay_seconds"`

	// RelayHints lists transit relay endpoints (STUN/TURN URLs) offered
	// to the transit connector.
	RelayHints []string `mapstructure:"relay_hints"`

	// TransitAbilities lists the transit modes this side supports.
	TransitAbilities []string `mapstructure:"transit_abilities"`

	// Targets is the serve role's list of forwarding destinations.
	Targets []Target `mapstructure:"targets"`

	// BindAddress is the connect role's local listen address.
	BindAddress string `mapstructure:"bind_address"`

	// CustomPorts is the connect role's ordered list of preferred local
	// ports; a mapping beyond this list, or a zero entry within it, uses
	// an ephemeral port instead.
	CustomPorts []uint16 `mapstructure:"custom_ports"`
}

// Load reads configuration from configPath (if non-empty), environment
// variables prefixed WORMHOLE_, and the defaults set below; environment
// variables take precedence over the file, and the file over the
// defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("rendezvous_url", DefaultRendezvousURL)
	v.SetDefault("retry_delay_seconds", 5.0)
	v.SetDefault("transit_abilities", []string{"webrtc-v1"})
	v.SetDefault("bind_address", DefaultBindAddress)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("WORMHOLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshalling: %w", err)
	}
	cfg.RendezvousURL = strings.ToLower(cfg.RendezvousURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the fields every role needs regardless of which one it
// plays; role-specific requirements (targets vs. custom-ports) are left
// to the caller, since a config file may be shared between both roles.
func (c *Config) Validate() error {
	if c.AppID == "" {
		return fmt.Errorf("appid is required")
	}
	if c.RendezvousURL == "" {
		return fmt.Errorf("rendezvous_url is required")
	}
	if c.RetryDelaySeconds <= 0 {
		return fmt.Errorf("retry_delay_seconds must be positive")
	}
	if c.BindAddress == "" {
		return fmt.Errorf("bind_address is required")
	}
	return nil
}

// PortFor returns the local port the connect role should request for
// the mapping at index i, following the custom-ports preference list
// with 0 (ephemeral) once the list is exhausted.
func (c *Config) PortFor(i int) uint16 {
	if i < len(c.CustomPorts) {
		return c.CustomPorts[i]
	}
	return 0
}
