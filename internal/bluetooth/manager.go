// Package bluetooth selects a radio backend and builds the central manager
// on top of it.
package bluetooth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/transport/bluez"
	"github.com/codefionn/go-ble-central/internal/transport/sim"
	"github.com/codefionn/go-ble-central/internal/transport/tinyble"
)

// Supported backends.
const (
	BackendSim    = "sim"
	BackendBlueZ  = "bluez"
	BackendTinyGo = "tinygo"
)

// Config holds configuration for the Bluetooth manager
type Config struct {
	Backend   string
	AdapterID string
	Enabled   bool
	// Scenario is a simulator scenario file; empty means the demo devices.
	Scenario      string
	PendingPolicy central.PendingPolicy
	// IdentityKey keys the address to identifier mapping. A random key is
	// used when empty, so identifiers change across restarts.
	IdentityKey []byte
	Observer    central.Observer
	Logger      *logger.Logger
}

// Manager owns the transport and the central manager driving it.
type Manager struct {
	config    Config
	logger    *logger.Logger
	mapper    *central.AddressMapper
	transport central.Transport
	central   *central.Manager
	sim       *sim.Transport
}

// NewManager creates a new Bluetooth manager
func NewManager(cfg Config) (*Manager, error) {
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendSim
	}

	key := cfg.IdentityKey
	if len(key) == 0 {
		var err error
		if key, err = central.NewIdentityKey(); err != nil {
			return nil, err
		}
	}
	mapper, err := central.NewAddressMapper(key)
	if err != nil {
		return nil, fmt.Errorf("identity key: %w", err)
	}

	m := &Manager{
		config: cfg,
		logger: log.WithName("bluetooth"),
		mapper: mapper,
	}

	switch cfg.Backend {
	case BackendSim:
		simCfg, err := m.simConfig()
		if err != nil {
			return nil, err
		}
		simCfg.Logger = log
		m.sim = sim.New(simCfg)
		m.transport = m.sim
	case BackendBlueZ:
		m.transport, err = bluez.New(bluez.Config{Adapter: cfg.AdapterID, Mapper: mapper, Logger: log})
	case BackendTinyGo:
		m.transport, err = tinyble.New(tinyble.Config{Mapper: mapper, Logger: log})
	default:
		return nil, fmt.Errorf("unknown bluetooth backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	m.central, err = central.NewManager(central.Config{
		Transport:     m.transport,
		Observer:      cfg.Observer,
		PendingPolicy: cfg.PendingPolicy,
		Logger:        log,
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("Bluetooth manager created",
		logger.String("backend", cfg.Backend),
		logger.String("adapter", cfg.AdapterID),
		logger.Stringer("pending_policy", cfg.PendingPolicy),
	)
	return m, nil
}

func (m *Manager) simConfig() (sim.Config, error) {
	if m.config.Scenario != "" {
		return sim.LoadScenario(m.config.Scenario, m.mapper)
	}
	return DemoScenario(m.mapper), nil
}

// DemoScenario is the simulator setup used when no scenario file is given.
func DemoScenario(mapper *central.AddressMapper) sim.Config {
	return sim.Config{
		InitialState:      central.StatePoweredOn,
		Auto:              true,
		AdvertiseInterval: time.Second,
		ConnectLatency:    200 * time.Millisecond,
		Devices: []sim.Device{
			{
				ID:          mapper.Identifier("C0:FF:EE:00:00:01"),
				Name:        "Heart Rate Monitor",
				Services:    services(0x180D, 0x180F),
				Payload:     []byte{0x02, 0x01, 0x06},
				RSSI:        -58,
				Connectable: true,
				Outcome:     sim.OutcomeSuccess,
			},
			{
				ID:          mapper.Identifier("C0:FF:EE:00:00:02"),
				Name:        "Thermometer",
				Services:    services(0x1809),
				RSSI:        -71,
				Connectable: true,
				Outcome:     sim.OutcomeSuccess,
			},
			{
				ID:          mapper.Identifier("C0:FF:EE:00:00:03"),
				Name:        "Out of Range Tag",
				RSSI:        -94,
				Connectable: true,
				Outcome:     sim.OutcomeFail,
			},
			{
				ID:        mapper.Identifier("C0:FF:EE:00:00:04"),
				Name:      "Paired Keyboard",
				Services:  services(0x1812),
				RSSI:      -40,
				Connected: true,
				Outcome:   sim.OutcomeSuccess,
			},
		},
	}
}

func services(shorts ...uint16) []uuid.UUID {
	ids := make([]uuid.UUID, len(shorts))
	for i, s := range shorts {
		ids[i] = central.ServiceID16(s)
	}
	return ids
}

// IsAvailable reports whether a transport was built.
func (m *Manager) IsAvailable() bool {
	return m != nil && m.central != nil
}

// IsEnabled returns whether Bluetooth is enabled
func (m *Manager) IsEnabled() bool {
	return m.IsAvailable() && m.config.Enabled
}

// Start starts the central manager and its transport.
func (m *Manager) Start(ctx context.Context) error {
	if !m.IsEnabled() {
		return errors.New("bluetooth manager is disabled")
	}
	if err := m.central.Start(ctx); err != nil {
		return fmt.Errorf("start central: %w", err)
	}
	m.logger.Info("Bluetooth manager started")
	return nil
}

// Stop stops the central manager. Pending events are still delivered.
func (m *Manager) Stop() error {
	if !m.IsAvailable() {
		return nil
	}
	err := m.central.Close()
	m.logger.Info("Bluetooth manager stopped")
	return err
}

// Central returns the central manager.
func (m *Manager) Central() *central.Manager { return m.central }

// Backend returns the backend name.
func (m *Manager) Backend() string { return m.config.Backend }

// Adapter returns the configured adapter name.
func (m *Manager) Adapter() string { return m.config.AdapterID }

// Simulator returns the simulated transport, or nil for other backends.
func (m *Manager) Simulator() *sim.Transport { return m.sim }

// Mapper returns the address to identifier mapping in use.
func (m *Manager) Mapper() *central.AddressMapper { return m.mapper }
