package config

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Bounds for settings writes, matching the remote parameter layer.
const (
	MaxIntervalSeconds = 86400
	MaxRadiusMeters    = 1000000.0
)

// PublishSettings are the live scheduling parameters. A zero interval
// disables that interval check; a zero radius disables geofence triggers.
type PublishSettings struct {
	Radius      float64 `yaml:"radius"`
	IntervalMin int32   `yaml:"interval_min"`
	IntervalMax int32   `yaml:"interval_max"`
	MinPublish  bool    `yaml:"min_publish"`
	LockTrigger bool    `yaml:"lock_trigger"`
	LocAck      bool    `yaml:"loc_ack"`
	Tower       bool    `yaml:"tower"`
	Gnss        bool    `yaml:"gnss"`
	Wps         bool    `yaml:"wps"`
	EnhanceLoc  bool    `yaml:"enhance_loc"`
	LocCb       bool    `yaml:"loc_cb"`
}

// DefaultPublishSettings mirror the factory defaults of the tracker.
func DefaultPublishSettings() PublishSettings {
	return PublishSettings{
		IntervalMin: 0,
		IntervalMax: 600,
		Gnss:        true,
		Tower:       true,
		Wps:         true,
		EnhanceLoc:  true,
		LocCb:       false,
	}
}

// Validate checks field bounds and the min <= max invariant.
func (p PublishSettings) Validate() error {
	if p.IntervalMin < 0 || p.IntervalMin > MaxIntervalSeconds {
		return errors.Errorf("interval_min %d out of range [0, %d]", p.IntervalMin, MaxIntervalSeconds)
	}
	if p.IntervalMax < 0 || p.IntervalMax > MaxIntervalSeconds {
		return errors.Errorf("interval_max %d out of range [0, %d]", p.IntervalMax, MaxIntervalSeconds)
	}
	if p.IntervalMin > p.IntervalMax {
		return errors.Errorf("interval_min %d exceeds interval_max %d", p.IntervalMin, p.IntervalMax)
	}
	if p.Radius < 0 || p.Radius > MaxRadiusMeters {
		return errors.Errorf("radius %g out of range [0, %g]", p.Radius, MaxRadiusMeters)
	}
	return nil
}

// Store holds the live settings. Reads take a snapshot copy; writes go
// through a Transaction so a failed validation leaves live state untouched.
type Store struct {
	mu   sync.Mutex
	live PublishSettings
}

func NewStore(initial PublishSettings) *Store {
	return &Store{live: initial}
}

// Snapshot returns a copy of the live settings.
func (s *Store) Snapshot() PublishSettings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Transaction is a shadow copy of the live settings. Mutate Shadow freely;
// Commit validates and copies it back atomically.
type Transaction struct {
	store  *Store
	Shadow PublishSettings
}

// Begin populates a shadow copy from live state.
func (s *Store) Begin() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Transaction{store: s, Shadow: s.live}
}

// Commit validates the shadow and, on success, makes it live.
func (t *Transaction) Commit() error {
	if err := t.Shadow.Validate(); err != nil {
		return errors.Wrap(err, "settings rejected")
	}
	t.store.mu.Lock()
	t.store.live = t.Shadow
	t.store.mu.Unlock()
	return nil
}

// LoadSettingsFile reads publish-settings defaults from a YAML file,
// layered over the factory defaults.
func LoadSettingsFile(path string) (PublishSettings, error) {
	settings := DefaultPublishSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		return settings, errors.Wrap(err, "failed to read settings file")
	}
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return settings, errors.Wrap(err, "failed to parse settings file")
	}
	if err := settings.Validate(); err != nil {
		return DefaultPublishSettings(), errors.Wrap(err, "settings file invalid")
	}
	return settings, nil
}
