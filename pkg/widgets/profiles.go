// Package widgets loads per-bot embed profiles from YAML.
//
// A profile tells the embed loader where a bot's widget may appear and how
// it is placed:
//
//	bot_id: support
//	display_name: Support
//	allowed_domains: ["https://shop.example.com", "https://*.example.org"]
//	widget_origin: https://widget.example.net
//	position: bottom-left
//	inactivity_timeout: 3m
package widgets

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/sipeed/picowidget/pkg/embed"
	"github.com/sipeed/picowidget/pkg/envelope"
)

// Profile is the YAML schema of one bot's embed configuration.
type Profile struct {
	BotID          string   `yaml:"bot_id" json:"bot_id"`
	DisplayName    string   `yaml:"display_name" json:"display_name,omitempty"`
	AllowedDomains []string `yaml:"allowed_domains" json:"allowed_domains"`
	WidgetOrigin   string   `yaml:"widget_origin" json:"widget_origin"`
	Position       string   `yaml:"position" json:"position"`

	InactivityTimeout time.Duration `yaml:"inactivity_timeout,omitempty" json:"inactivity_timeout,omitempty"`
	InactivityWarning time.Duration `yaml:"inactivity_warning,omitempty" json:"inactivity_warning,omitempty"`

	// set by the loader
	SourceFile string          `yaml:"-" json:"-"`
	guard      *envelope.Guard `yaml:"-"`
}

// Validate normalises the profile and checks every origin in it.
func (p *Profile) Validate() error {
	if strings.TrimSpace(p.BotID) == "" {
		return errors.New("profile has no 'bot_id' field")
	}
	if len(p.AllowedDomains) == 0 {
		return errors.Errorf("profile '%s' has no 'allowed_domains'", p.BotID)
	}
	guard, err := envelope.NewGuard(p.AllowedDomains...)
	if err != nil {
		return errors.Wrapf(err, "profile '%s'", p.BotID)
	}
	if guard.Empty() {
		return errors.Errorf("profile '%s' has no usable 'allowed_domains'", p.BotID)
	}
	origin, err := envelope.ParseOrigin(p.WidgetOrigin)
	if err != nil {
		return errors.Wrapf(err, "profile '%s' widget_origin", p.BotID)
	}
	if p.InactivityWarning > 0 && p.InactivityTimeout > 0 && p.InactivityWarning >= p.InactivityTimeout {
		return errors.Errorf("profile '%s': inactivity_warning must be shorter than inactivity_timeout", p.BotID)
	}
	p.WidgetOrigin = origin
	p.Position = string(embed.ParsePosition(p.Position))
	p.guard = guard
	return nil
}

// Allows reports whether pages on origin may embed this bot.
func (p *Profile) Allows(origin string) bool {
	return p.guard != nil && p.guard.Allows(origin)
}

// Attributes builds the embed-script attributes for a target element.
func (p *Profile) Attributes(targetID, token string) embed.Attributes {
	return embed.Attributes{
		TargetID:      targetID,
		AllowedDomain: strings.Join(p.AllowedDomains, ","),
		WidgetOrigin:  p.WidgetOrigin,
		BotID:         p.BotID,
		Token:         token,
	}
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry is a thread-safe store of loaded profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{profiles: make(map[string]*Profile)}
}

// Load reads all *.yaml and *.yml files from dir and registers them.
// Errors in individual files are collected but don't abort loading.
func (r *Registry) Load(dir string) (int, []error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, []error{errors.Wrapf(err, "cannot read widget dir %s", dir)}
	}

	loaded := 0
	var errs []error
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")) {
			continue
		}
		p, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, errors.Wrapf(err, "load %s", name))
			continue
		}
		r.Register(p)
		loaded++
	}
	return loaded, errs
}

// LoadFile parses and validates a single profile.
func LoadFile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, errors.Wrap(err, "YAML parse error")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p.SourceFile = path
	return &p, nil
}

// Register adds or replaces a profile. Unvalidated profiles are validated
// first; invalid ones are rejected.
func (r *Registry) Register(p *Profile) error {
	if p.guard == nil {
		if err := p.Validate(); err != nil {
			return err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.profiles[p.BotID] = p
	return nil
}

// Get retrieves a profile by bot id.
func (r *Registry) Get(botID string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[botID]
	return p, ok
}

// List returns all profiles sorted by bot id.
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BotID < out[j].BotID })
	return out
}

// Count returns the number of registered profiles.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.profiles)
}

// AllowsOrigin reports whether any profile lets origin embed a widget.
func (r *Registry) AllowsOrigin(origin string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.profiles {
		if p.Allows(origin) {
			return true
		}
	}
	return false
}
