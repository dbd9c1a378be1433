package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	ferrors "github.com/civicstack/civic/internal/foundation/errors"
)

// HooksConfig is the parsed hooks.yml: per-event enablement and
// subscriber bindings.
type HooksConfig struct {
	Hooks map[string]HookBinding `yaml:"hooks,omitempty"`
	// NATS optionally forwards every emission to a subject tree.
	NATS *NATSForwarding `yaml:"nats,omitempty"`
}

// HookBinding configures one event name.
type HookBinding struct {
	Enabled     *bool            `yaml:"enabled,omitempty"`
	Subscribers []SubscriberSpec `yaml:"subscribers,omitempty"`
}

// IsEnabled treats a missing flag as enabled.
func (h HookBinding) IsEnabled() bool {
	return h.Enabled == nil || *h.Enabled
}

// SubscriberSpec binds a named handler to an event with dispatch
// options. The handler implementation is registered in code; the config
// only selects and tunes it.
type SubscriberSpec struct {
	Handler string         `yaml:"handler"`
	Mode    string         `yaml:"mode,omitempty"` // sync|async, default sync
	Timeout time.Duration  `yaml:"timeout,omitempty"`
	Retries int            `yaml:"retries,omitempty"`
	Options map[string]any `yaml:"options,omitempty"`
}

// NATSForwarding configures the optional hook forwarder.
type NATSForwarding struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subjectPrefix,omitempty"`
}

// LoadHooks reads hooks.yml. A missing file yields an empty config.
func LoadHooks(path string) (*HooksConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &HooksConfig{}, nil
		}
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "read hooks config").Build()
	}

	var cfg HooksConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, ferrors.Wrap(err, ferrors.CategoryConfig, "parse hooks config").WithContext("path", path).Build()
	}
	for name, binding := range cfg.Hooks {
		for i, sub := range binding.Subscribers {
			switch sub.Mode {
			case "", "sync", "async":
			default:
				return nil, ferrors.Config("invalid subscriber mode").
					WithContext("hook", name).
					WithContext("mode", binding.Subscribers[i].Mode).Build()
			}
		}
	}
	return &cfg, nil
}

// Enabled reports whether an event name is enabled for dispatch.
// Unconfigured events default to enabled.
func (c *HooksConfig) Enabled(event string) bool {
	if c == nil || c.Hooks == nil {
		return true
	}
	binding, ok := c.Hooks[event]
	if !ok {
		return true
	}
	return binding.IsEnabled()
}
