package sim

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/codefionn/go-ble-central/internal/central"
)

// Scenario is the YAML description of a simulated environment.
//
//	state: powered_on
//	advertise_interval: 500ms
//	connect_latency: 200ms
//	devices:
//	  - name: HRM
//	    address: "AA:BB:CC:DD:EE:01"
//	    services: ["180D"]
//	    rssi: -60
//	schedule:
//	  - after: 30s
//	    state: powered_off
type Scenario struct {
	State             string           `yaml:"state"`
	AdvertiseInterval time.Duration    `yaml:"advertise_interval"`
	ConnectLatency    time.Duration    `yaml:"connect_latency"`
	Devices           []ScenarioDevice `yaml:"devices"`
	Schedule          []ScenarioStep   `yaml:"schedule"`
}

// ScenarioDevice describes one device. Either ID or Address identifies it.
type ScenarioDevice struct {
	ID          string   `yaml:"id"`
	Address     string   `yaml:"address"`
	Name        string   `yaml:"name"`
	Services    []string `yaml:"services"`
	RSSI        int      `yaml:"rssi"`
	Payload     string   `yaml:"payload"`
	Connectable *bool    `yaml:"connectable"`
	Outcome     string   `yaml:"outcome"`
	FailReason  string   `yaml:"fail_reason"`
	Connected   bool     `yaml:"connected"`
}

// ScenarioStep is one entry of the power schedule.
type ScenarioStep struct {
	After time.Duration `yaml:"after"`
	State string        `yaml:"state"`
}

// LoadScenario reads a scenario file and converts it to a Config with
// Auto set.
func LoadScenario(path string, mapper *central.AddressMapper) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read scenario: %w", err)
	}
	cfg, err := ParseScenario(data, mapper)
	if err != nil {
		return Config{}, fmt.Errorf("scenario %s: %w", path, err)
	}
	return cfg, nil
}

// ParseScenario decodes scenario YAML.
func ParseScenario(data []byte, mapper *central.AddressMapper) (Config, error) {
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return Config{}, fmt.Errorf("failed to parse scenario: %w", err)
	}
	return sc.Config(mapper)
}

// Config converts the scenario into simulator configuration.
func (sc Scenario) Config(mapper *central.AddressMapper) (Config, error) {
	cfg := Config{
		InitialState:      central.StatePoweredOn,
		Auto:              true,
		AdvertiseInterval: sc.AdvertiseInterval,
		ConnectLatency:    sc.ConnectLatency,
	}
	if sc.State != "" {
		s, err := central.ParseManagerState(sc.State)
		if err != nil {
			return Config{}, err
		}
		cfg.InitialState = s
	}

	for i, sd := range sc.Devices {
		d, err := sd.device(mapper)
		if err != nil {
			return Config{}, fmt.Errorf("device %d: %w", i, err)
		}
		cfg.Devices = append(cfg.Devices, d)
	}

	for i, step := range sc.Schedule {
		s, err := central.ParseManagerState(step.State)
		if err != nil {
			return Config{}, fmt.Errorf("schedule step %d: %w", i, err)
		}
		cfg.Schedule = append(cfg.Schedule, StateStep{After: step.After, State: s})
	}
	return cfg, nil
}

func (sd ScenarioDevice) device(mapper *central.AddressMapper) (Device, error) {
	d := Device{
		Name:        sd.Name,
		RSSI:        sd.RSSI,
		Connectable: true,
		Outcome:     OutcomeSuccess,
		Connected:   sd.Connected,
	}

	switch {
	case sd.ID != "":
		id, err := uuid.Parse(sd.ID)
		if err != nil {
			return Device{}, fmt.Errorf("invalid id: %w", err)
		}
		d.ID = id
	case sd.Address != "":
		if mapper == nil {
			return Device{}, errors.New("address given but no address mapper configured")
		}
		d.ID = mapper.Identifier(sd.Address)
	default:
		return Device{}, errors.New("either id or address is required")
	}

	services, err := central.ParseServiceIDs(sd.Services)
	if err != nil {
		return Device{}, err
	}
	d.Services = services

	if sd.Payload != "" {
		p, err := hex.DecodeString(strings.TrimPrefix(sd.Payload, "0x"))
		if err != nil {
			return Device{}, fmt.Errorf("invalid payload: %w", err)
		}
		d.Payload = p
	}
	if sd.Connectable != nil {
		d.Connectable = *sd.Connectable
	}

	switch Outcome(strings.ToLower(sd.Outcome)) {
	case "", OutcomeSuccess:
	case OutcomeFail:
		d.Outcome = OutcomeFail
		if sd.FailReason != "" {
			d.FailReason = errors.New(sd.FailReason)
		}
	case OutcomeHang:
		d.Outcome = OutcomeHang
	default:
		return Device{}, fmt.Errorf("invalid outcome %q", sd.Outcome)
	}
	return d, nil
}
