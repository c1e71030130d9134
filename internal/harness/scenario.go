package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/model"
)

// Scenario is a scripted field session across one or more devices.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description"`

	// Retry overrides the engine's retry policy for every device.
	Retry *RetrySettings `yaml:"retry,omitempty"`

	// Registry is imported into every device's asset index.
	Registry []model.Asset `yaml:"registry"`

	// Devices defaults to a single offline device named "dev1".
	Devices []DeviceSpec `yaml:"devices,omitempty"`

	Flow       []Step      `yaml:"flow"`
	Assertions []Assertion `yaml:"assertions"`
}

// RetrySettings is the scenario form of engine.RetryPolicy. Zero fields
// keep the harness defaults.
type RetrySettings struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
}

// DeviceSpec declares one installation.
type DeviceSpec struct {
	Name   string `yaml:"name"`
	Online bool   `yaml:"online"`
}

// Step is one action in the flow. Which fields apply depends on Do.
type Step struct {
	// Device defaults to the first declared device.
	Device string `yaml:"device,omitempty"`
	Do     string `yaml:"do"`

	Campaign model.CampaignID `yaml:"campaign,omitempty"`
	Code     string           `yaml:"code,omitempty"`
	Status   string           `yaml:"status,omitempty"`
	Photo    string           `yaml:"photo,omitempty"`

	// Asset is the server-side asset id for seed.
	Asset model.AssetID `yaml:"asset,omitempty"`

	// Key is the local key for resend and discard.
	Key string `yaml:"key,omitempty"`

	// Count is the number of injected failures.
	Count int `yaml:"count,omitempty"`

	// Duration is the clock jump for advance.
	Duration time.Duration `yaml:"duration,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect checks a step's outcome. Unset fields are not checked.
type Expect struct {
	// Decision is "allowed" or "already_collected" (save only).
	Decision string `yaml:"decision,omitempty"`

	// Error is the expected error class: validation, not_found,
	// storage_exhausted, invalid_transition or record_not_found. Without it
	// any error fails the run.
	Error string `yaml:"error,omitempty"`

	// Report counters (drain only).
	Synced     *int `yaml:"synced,omitempty"`
	Failed     *int `yaml:"failed,omitempty"`
	Rejected   *int `yaml:"rejected,omitempty"`
	Conflicted *int `yaml:"conflicted,omitempty"`
}

// Assertion checks the state after the flow.
type Assertion struct {
	Type   string `yaml:"type"`
	Device string `yaml:"device,omitempty"`

	// Count is used by pending, server_observations and event_count.
	Count int `yaml:"count"`

	// Key selects the record for record assertions. State "absent" passes
	// when no such record exists.
	Key        string `yaml:"key,omitempty"`
	State      string `yaml:"state,omitempty"`
	RetryCount *int   `yaml:"retry_count,omitempty"`
	Failure    string `yaml:"failure,omitempty"`
	Photo      string `yaml:"photo,omitempty"`

	// Event and Events name engine events, e.g. "record_synced".
	Event  string   `yaml:"event,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

// Step actions.
const (
	DoSave             = "save"
	DoOnline           = "online"
	DoOffline          = "offline"
	DoDrain            = "drain"
	DoAdvance          = "advance"
	DoFailCommits      = "fail_commits"
	DoFailUploads      = "fail_uploads"
	DoRejectUploads    = "reject_uploads"
	DoSeed             = "seed"
	DoResend           = "resend"
	DoDiscard          = "discard"
	DoRefreshConfirmed = "refresh_confirmed"
)

// Assertion types.
const (
	AssertPending            = "pending"
	AssertRecord             = "record"
	AssertServerObservations = "server_observations"
	AssertEventCount         = "event_count"
	AssertEventOrder         = "event_order"
)

const defaultDevice = "dev1"

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo cannot silently disable a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(sc.Devices) == 0 {
		sc.Devices = []DeviceSpec{{Name: defaultDevice}}
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Registry) == 0 {
		return errors.New("registry is required and must be non-empty")
	}
	if len(s.Flow) == 0 {
		return errors.New("flow list is required and must be non-empty")
	}

	devices := make(map[string]bool, len(s.Devices))
	for i, d := range s.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if devices[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate device %q", i, d.Name)
		}
		devices[d.Name] = true
	}

	for i, step := range s.Flow {
		if step.Device != "" && !devices[step.Device] {
			return fmt.Errorf("flow[%d]: unknown device %q", i, step.Device)
		}
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}

	for i, a := range s.Assertions {
		if a.Device != "" && !devices[a.Device] {
			return fmt.Errorf("assertions[%d]: unknown device %q", i, a.Device)
		}
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Do {
	case DoSave:
		if step.Campaign == "" || step.Code == "" {
			return errors.New("save needs campaign and code")
		}
	case DoSeed:
		if step.Campaign == "" || step.Asset == "" {
			return errors.New("seed needs campaign and asset")
		}
	case DoResend, DoDiscard:
		if step.Key == "" {
			return fmt.Errorf("%s needs key", step.Do)
		}
	case DoAdvance:
		if step.Duration <= 0 {
			return errors.New("advance needs a positive duration")
		}
	case DoFailCommits, DoFailUploads:
		if step.Count <= 0 {
			return fmt.Errorf("%s needs a positive count", step.Do)
		}
	case DoRefreshConfirmed:
		if step.Campaign == "" {
			return errors.New("refresh_confirmed needs campaign")
		}
	case DoOnline, DoOffline, DoDrain, DoRejectUploads:
	case "":
		return errors.New("do is required")
	default:
		return fmt.Errorf("unknown action %q", step.Do)
	}

	if step.Expect != nil && step.Expect.Decision != "" && step.Do != DoSave {
		return errors.New("expect.decision only applies to save")
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertPending, AssertServerObservations:
	case AssertRecord:
		if a.Key == "" {
			return errors.New("key is required for record")
		}
	case AssertEventCount:
		if a.Event == "" {
			return errors.New("event is required for event_count")
		}
	case AssertEventOrder:
		if len(a.Events) < 2 {
			return errors.New("event_order needs at least two events")
		}
	case "":
		return errors.New("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
