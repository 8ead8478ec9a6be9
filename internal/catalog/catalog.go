// Package catalog describes each generation module: price, deadline, how
// completion is observed and how often a failed submission may be retried.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mediaforge/backend/internal/models"
)

// ErrUnknownModule is returned for modules not present in the catalog.
var ErrUnknownModule = errors.New("unknown module")

type CompletionMode string

const (
	// ModePoll: a background task polls the provider at a fixed interval.
	ModePoll CompletionMode = "poll"
	// ModeWebhook: the provider calls back; the timeout sweeper covers lost callbacks.
	ModeWebhook CompletionMode = "webhook"
)

type Spec struct {
	Module        models.Module  `yaml:"-" json:"module"`
	Cost          int            `yaml:"cost" json:"cost"`
	Deadline      time.Duration  `yaml:"deadline" json:"-"`
	Mode          CompletionMode `yaml:"mode" json:"mode"`
	PollInterval  time.Duration  `yaml:"poll_interval" json:"-"`
	PollAttempts  int            `yaml:"poll_attempts" json:"-"`
	MaxRetries    int            `yaml:"max_retries" json:"-"`
	EstimatedTime time.Duration  `yaml:"estimated_time" json:"-"`
	Adapter       string         `yaml:"adapter" json:"-"`
	Model         string         `yaml:"model" json:"model,omitempty"`
}

// EstimatedSeconds is the user-facing estimate for a job of this module.
func (s Spec) EstimatedSeconds() int { return int(s.EstimatedTime / time.Second) }

type Catalog struct {
	specs map[models.Module]Spec
}

func defaults() map[models.Module]Spec {
	return map[models.Module]Spec{
		models.ModuleChat: {
			Cost: 1, Deadline: 2 * time.Minute, Mode: ModePoll,
			PollInterval: 5 * time.Second, PollAttempts: 20, MaxRetries: 3,
			EstimatedTime: 10 * time.Second, Adapter: "openai", Model: "gpt-4o-mini",
		},
		models.ModuleImage: {
			Cost: 10, Deadline: 4 * time.Minute, Mode: ModePoll,
			PollInterval: 20 * time.Second, PollAttempts: 8, MaxRetries: 3,
			EstimatedTime: 40 * time.Second, Adapter: "queue", Model: "flux/dev",
		},
		models.ModuleTTS: {
			Cost: 5, Deadline: 3 * time.Minute, Mode: ModePoll,
			PollInterval: 20 * time.Second, PollAttempts: 8, MaxRetries: 3,
			EstimatedTime: 30 * time.Second, Adapter: "queue", Model: "tts/multilingual",
		},
		models.ModuleImageToVideo: {
			Cost: 50, Deadline: 8 * time.Minute, Mode: ModeWebhook,
			PollInterval: 30 * time.Second, PollAttempts: 16, MaxRetries: 3,
			EstimatedTime: 3 * time.Minute, Adapter: "queue", Model: "video/i2v",
		},
		models.ModuleImageToVideoAudio: {
			Cost: 80, Deadline: 10 * time.Minute, Mode: ModeWebhook,
			PollInterval: 30 * time.Second, PollAttempts: 20, MaxRetries: 3,
			EstimatedTime: 5 * time.Minute, Adapter: "queue", Model: "video/i2v-audio",
		},
		models.ModuleAudioToVideo: {
			Cost: 100, Deadline: 12 * time.Minute, Mode: ModePoll,
			PollInterval: 30 * time.Second, PollAttempts: 22, MaxRetries: 3,
			EstimatedTime: 6 * time.Minute, Adapter: "queue", Model: "video/avatar",
		},
	}
}

// Default returns the built-in catalog.
func Default() *Catalog {
	specs := defaults()
	for m, s := range specs {
		s.Module = m
		specs[m] = s
	}
	return &Catalog{specs: specs}
}

type fileFormat struct {
	Modules map[string]Spec `yaml:"modules"`
}

// Load returns the built-in catalog with per-module overrides from a YAML file.
// Zero-valued fields in the file keep their defaults. An empty path returns Default().
func Load(path string) (*Catalog, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read module catalog %q: %w", path, err)
	}
	return c, c.apply(data)
}

func (c *Catalog) apply(data []byte) error {
	var file fileFormat
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse module catalog: %w", err)
	}
	for name, override := range file.Modules {
		m := models.Module(name)
		base, ok := c.specs[m]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownModule, name)
		}
		merged := merge(base, override)
		if err := merged.validate(); err != nil {
			return fmt.Errorf("module %q: %w", name, err)
		}
		c.specs[m] = merged
	}
	return nil
}

func merge(base, o Spec) Spec {
	if o.Cost != 0 {
		base.Cost = o.Cost
	}
	if o.Deadline != 0 {
		base.Deadline = o.Deadline
	}
	if o.Mode != "" {
		base.Mode = o.Mode
	}
	if o.PollInterval != 0 {
		base.PollInterval = o.PollInterval
	}
	if o.PollAttempts != 0 {
		base.PollAttempts = o.PollAttempts
	}
	if o.MaxRetries != 0 {
		base.MaxRetries = o.MaxRetries
	}
	if o.EstimatedTime != 0 {
		base.EstimatedTime = o.EstimatedTime
	}
	if o.Adapter != "" {
		base.Adapter = o.Adapter
	}
	if o.Model != "" {
		base.Model = o.Model
	}
	return base
}

func (s Spec) validate() error {
	switch {
	case s.Cost < 0:
		return errors.New("cost must be >= 0")
	case s.Deadline <= 0:
		return errors.New("deadline must be > 0")
	case s.Mode != ModePoll && s.Mode != ModeWebhook:
		return fmt.Errorf("mode must be %q or %q", ModePoll, ModeWebhook)
	case s.Mode == ModePoll && (s.PollInterval <= 0 || s.PollAttempts <= 0):
		return errors.New("poll mode needs poll_interval and poll_attempts")
	case s.MaxRetries < 0:
		return errors.New("max_retries must be >= 0")
	}
	return nil
}

// Get returns the spec for a module.
func (c *Catalog) Get(m models.Module) (Spec, error) {
	s, ok := c.specs[m]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %q", ErrUnknownModule, m)
	}
	return s, nil
}

// List returns all specs in models.Modules order.
func (c *Catalog) List() []Spec {
	out := make([]Spec, 0, len(c.specs))
	for _, m := range models.Modules {
		if s, ok := c.specs[m]; ok {
			out = append(out, s)
		}
	}
	return out
}
