package simulate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"ecobin/internal/material"
	"ecobin/internal/registry"
)

// Scenario is a scripted session loaded from YAML.
type Scenario struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	HoldMillis  int64      `yaml:"hold_ms,omitempty"`
	Threshold   float64    `yaml:"threshold,omitempty"`
	Users       []UserSeed `yaml:"users,omitempty"`
	Steps       []Step     `yaml:"steps"`
	Expect      Expect     `yaml:"expect,omitempty"`
}

// UserSeed is a registry user created before the first step.
type UserSeed struct {
	Name   string `yaml:"name"`
	PIN    string `yaml:"pin,omitempty"`
	Points int64  `yaml:"points,omitempty"`
	Card   string `yaml:"card,omitempty"`
}

// Step is one point on the virtual timeline. Label drives a classifier tick
// and Card drives a reader tick; either may be omitted. "none" (or an empty
// string) means no label or no card.
type Step struct {
	AtMillis    int64   `yaml:"at_ms"`
	Label       *string `yaml:"label,omitempty"`
	Confidence  float64 `yaml:"confidence,omitempty"`
	Card        *string `yaml:"card,omitempty"`
	Action      string  `yaml:"action,omitempty"`
	User        string  `yaml:"user,omitempty"`
	EveryMillis int64   `yaml:"every_ms,omitempty"`
	UntilMillis int64   `yaml:"until_ms,omitempty"`
}

// Expect lists assertions checked after the last step.
type Expect struct {
	Points     map[string]int64 `yaml:"points,omitempty"`
	Events     map[string]int   `yaml:"events,omitempty"`
	Order      []string         `yaml:"order,omitempty"`
	Committed  *string          `yaml:"committed,omitempty"`
	ItemsToday *int64           `yaml:"items_today,omitempty"`
	Linking    *bool            `yaml:"linking,omitempty"`
}

// Step actions.
const (
	ActionLink        = "link"
	ActionCancelLink  = "cancel_link"
	ActionReset       = "reset"
	ActionCameraDown  = "camera_down"
	ActionCameraUp    = "camera_up"
	ActionReaderDown  = "reader_down"
	ActionReaderUp    = "reader_up"
	ActionFailUpdates = "fail_updates"
	ActionHealUpdates = "heal_updates"
)

var knownActions = map[string]struct{}{
	ActionLink:        {},
	ActionCancelLink:  {},
	ActionReset:       {},
	ActionCameraDown:  {},
	ActionCameraUp:    {},
	ActionReaderDown:  {},
	ActionReaderUp:    {},
	ActionFailUpdates: {},
	ActionHealUpdates: {},
}

// Load reads a scenario file.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scenario %s: %w", path, err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes and validates a scenario. Unknown fields are rejected.
func Parse(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Validate checks the scenario for mistakes that would make a run
// meaningless.
func (sc *Scenario) Validate() error {
	if strings.TrimSpace(sc.Name) == "" {
		return errors.New("name is required")
	}
	if len(sc.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	if sc.HoldMillis < 0 {
		return errors.New("hold_ms must not be negative")
	}
	if sc.Threshold < 0 || sc.Threshold > 1 {
		return errors.New("threshold must be between 0 and 1")
	}

	users := make(map[string]struct{}, len(sc.Users))
	for i, u := range sc.Users {
		name := strings.TrimSpace(u.Name)
		if name == "" {
			return fmt.Errorf("users[%d]: name is required", i)
		}
		if _, dup := users[name]; dup {
			return fmt.Errorf("users[%d]: duplicate user %q", i, name)
		}
		users[name] = struct{}{}
		if u.PIN != "" && !registry.ValidPIN(u.PIN) {
			return fmt.Errorf("users[%d]: pin must be exactly 6 digits", i)
		}
	}

	var last int64
	for i, step := range sc.Steps {
		if step.AtMillis < last {
			return fmt.Errorf("steps[%d]: at_ms %d goes backwards", i, step.AtMillis)
		}
		last = step.AtMillis
		if step.UntilMillis > 0 {
			if step.EveryMillis <= 0 {
				return fmt.Errorf("steps[%d]: until_ms needs every_ms", i)
			}
			if step.UntilMillis < step.AtMillis {
				return fmt.Errorf("steps[%d]: until_ms before at_ms", i)
			}
			last = step.UntilMillis
		}
		if step.Label != nil && !isNone(*step.Label) {
			if _, err := material.Parse(*step.Label); err != nil {
				return fmt.Errorf("steps[%d]: %w", i, err)
			}
		}
		if step.Action != "" {
			if _, ok := knownActions[step.Action]; !ok {
				return fmt.Errorf("steps[%d]: unknown action %q", i, step.Action)
			}
		}
		if step.Action == ActionLink {
			if _, ok := users[strings.TrimSpace(step.User)]; !ok {
				return fmt.Errorf("steps[%d]: link needs a known user", i)
			}
		}
	}
	for name := range sc.Expect.Points {
		if _, ok := users[name]; !ok {
			return fmt.Errorf("expect.points: unknown user %q", name)
		}
	}
	return nil
}

// expand unrolls repeated steps into individual ticks.
func (sc *Scenario) expand() []Step {
	steps := make([]Step, 0, len(sc.Steps))
	for _, step := range sc.Steps {
		if step.UntilMillis <= 0 {
			steps = append(steps, step)
			continue
		}
		for at := step.AtMillis; at <= step.UntilMillis; at += step.EveryMillis {
			tick := step
			tick.AtMillis = at
			tick.EveryMillis = 0
			tick.UntilMillis = 0
			if at != step.AtMillis {
				tick.Action = ""
			}
			steps = append(steps, tick)
		}
	}
	return steps
}

func isNone(value string) bool {
	value = strings.TrimSpace(strings.ToLower(value))
	return value == "" || value == "none"
}
