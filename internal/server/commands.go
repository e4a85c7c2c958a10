package server

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"

	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
	"github.com/codefionn/go-ble-central/internal/storage"
)

var errNoManager = errors.New("central manager is not running")

// HandleCommand processes WebSocket commands
func (s *Server) HandleCommand(ctx context.Context, cmd models.CommandMessage) (interface{}, error) {
	s.logger.Debug("Handling command",
		logger.String("command", cmd.Command),
		logger.String("message_id", cmd.MessageID),
	)

	switch models.APICommand(cmd.Command) {
	case models.APICommandStartListening:
		return s.handleStartListening()
	case models.APICommandServerInfo:
		return s.GetServerInfo(), nil
	case models.APICommandServerDiagnostics:
		return s.handleServerDiagnostics()
	case models.APICommandGetState:
		return s.status(), nil
	case models.APICommandCapabilities:
		return s.capabilities(), nil
	case models.APICommandStartScan:
		return s.handleStartScan(cmd.Args)
	case models.APICommandStopScan:
		return s.handleStopScan()
	case models.APICommandConnect:
		return s.handleConnect(cmd.Args)
	case models.APICommandCancelConnection:
		return s.handleCancelConnection(cmd.Args)
	case models.APICommandRetrievePeripherals:
		return s.handleRetrievePeripherals(cmd.Args)
	case models.APICommandRetrieveConnectedPeripherals:
		return s.handleRetrieveConnected(cmd.Args)
	case models.APICommandRegisterConnectionEvents:
		return s.handleRegisterConnectionEvents(cmd.Args)
	case models.APICommandGetKnownPeripherals:
		return s.storage.GetPeripherals()
	case models.APICommandForgetPeripheral:
		return s.handleForgetPeripheral(cmd.Args)
	case models.APICommandBackupStorage:
		return s.handleBackupStorage()
	default:
		return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "unknown command: %s", cmd.Command)
	}
}

func (s *Server) handleStartListening() (interface{}, error) {
	return models.ServerDiagnostics{
		Info:        s.GetServerInfo(),
		Status:      s.status(),
		Peripherals: s.peripherals(),
		Known:       []*models.PeripheralRecord{},
		Events:      []models.EventMessage{},
	}, nil
}

func (s *Server) handleServerDiagnostics() (interface{}, error) {
	known, err := s.storage.GetPeripherals()
	if err != nil {
		return nil, err
	}
	return models.ServerDiagnostics{
		Info:        s.GetServerInfo(),
		Status:      s.status(),
		Peripherals: s.peripherals(),
		Known:       known,
		Events:      s.recentEvents(),
	}, nil
}

func (s *Server) status() models.ManagerStatus {
	cm := s.central()
	if cm == nil {
		return models.ManagerStatus{
			State:        central.StateUnknown.String(),
			Capabilities: []string{},
			Policy:       s.config.Central.Policy().String(),
		}
	}
	return models.ManagerStatus{
		State:        cm.State().String(),
		Scanning:     cm.IsScanning(),
		Capabilities: s.capabilities(),
		Policy:       cm.PendingPolicy().String(),
	}
}

func (s *Server) capabilities() []string {
	cm := s.central()
	if cm == nil {
		return []string{}
	}
	names := cm.Capabilities().Names()
	if names == nil {
		names = []string{}
	}
	return names
}

func (s *Server) handleStartScan(args map[string]interface{}) (interface{}, error) {
	var a models.StartScanArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	filter := models.ScanFilter{
		Services:        a.Services,
		AllowDuplicates: s.config.Central.AllowDuplicates,
	}
	if a.AllowDuplicates != nil {
		filter.AllowDuplicates = *a.AllowDuplicates
	}

	if err := s.startScan(filter); err != nil {
		return nil, err
	}
	if err := s.storage.SaveSetting(storage.SettingScanFilter, filter); err != nil {
		s.logger.Warn("Failed to persist scan filter", logger.ErrorField(err))
	}
	return s.status(), nil
}

func (s *Server) startScan(filter models.ScanFilter) error {
	services, err := central.ParseServiceIDs(filter.Services)
	if err != nil {
		return models.NewCommandError(models.ErrorCodeInvalidArguments, "services: %w", err)
	}
	cm := s.central()
	if cm == nil {
		return errNoManager
	}
	cm.StartScan(services, &central.ScanOptions{AllowDuplicates: filter.AllowDuplicates})
	s.logger.Info("Scan requested",
		logger.Strings("services", filter.Services),
		logger.Bool("allow_duplicates", filter.AllowDuplicates),
	)
	return nil
}

func (s *Server) handleStopScan() (interface{}, error) {
	cm := s.central()
	if cm == nil {
		return nil, errNoManager
	}
	cm.StopScan()
	if err := s.storage.DeleteSetting(storage.SettingScanFilter); err != nil {
		s.logger.Warn("Failed to clear scan filter", logger.ErrorField(err))
	}
	return s.status(), nil
}

func (s *Server) handleConnect(args map[string]interface{}) (interface{}, error) {
	p, err := s.peripheralArg(args)
	if err != nil {
		return nil, err
	}
	s.central().Connect(p, nil)
	return peripheralInfo(p), nil
}

func (s *Server) handleCancelConnection(args map[string]interface{}) (interface{}, error) {
	p, err := s.peripheralArg(args)
	if err != nil {
		return nil, err
	}
	s.central().CancelPeripheralConnection(p)
	return peripheralInfo(p), nil
}

// peripheralArg resolves the peripheral_id argument to a kept handle.
func (s *Server) peripheralArg(args map[string]interface{}) (*central.Peripheral, error) {
	var a models.PeripheralArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	if a.PeripheralID == "" {
		return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "missing required parameter: peripheral_id")
	}
	id, err := uuid.Parse(a.PeripheralID)
	if err != nil {
		return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "invalid peripheral_id: %w", err)
	}
	if s.central() == nil {
		return nil, errNoManager
	}
	p, ok := s.handle(id)
	if !ok {
		return nil, models.NewCommandError(models.ErrorCodeNotFound, "peripheral %s: %w", id, central.ErrUnknownPeripheral)
	}
	return p, nil
}

func (s *Server) handleRetrievePeripherals(args map[string]interface{}) (interface{}, error) {
	var a models.RetrieveArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	ids, err := parsePeripheralIDs(a.PeripheralIDs)
	if err != nil {
		return nil, err
	}
	cm := s.central()
	if cm == nil {
		return nil, errNoManager
	}
	return s.adoptAll(cm.RetrievePeripherals(ids)), nil
}

func (s *Server) handleRetrieveConnected(args map[string]interface{}) (interface{}, error) {
	var a models.ServicesArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	services, err := central.ParseServiceIDs(a.Services)
	if err != nil {
		return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "services: %w", err)
	}
	cm := s.central()
	if cm == nil {
		return nil, errNoManager
	}
	if !cm.Capabilities().Has(central.CapabilityRetrieveConnected) {
		return nil, models.NewCommandError(models.ErrorCodeUnsupported, "retrieve connected peripherals: %w", central.ErrUnsupported)
	}
	return s.adoptAll(cm.RetrieveConnectedPeripherals(services)), nil
}

func (s *Server) handleRegisterConnectionEvents(args map[string]interface{}) (interface{}, error) {
	var a models.ConnectionEventArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	services, err := central.ParseServiceIDs(a.Services)
	if err != nil {
		return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "services: %w", err)
	}
	ids, err := parsePeripheralIDs(a.PeripheralIDs)
	if err != nil {
		return nil, err
	}
	cm := s.central()
	if cm == nil {
		return nil, errNoManager
	}

	err = cm.RegisterForConnectionEvents(&central.ConnectionEventOptions{ServiceIDs: services, PeripheralIDs: ids})
	switch {
	case errors.Is(err, central.ErrUnsupported):
		return nil, models.NewCommandError(models.ErrorCodeUnsupported, "connection events: %w", err)
	case err != nil:
		return nil, err
	}
	return s.status(), nil
}

// handleForgetPeripheral drops the stored record of a peripheral. The
// manager keeps its own registry entry.
func (s *Server) handleForgetPeripheral(args map[string]interface{}) (interface{}, error) {
	var a models.PeripheralArgs
	if err := decodeArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(a.PeripheralID)
	if err != nil {
		return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "invalid peripheral_id: %w", err)
	}
	rec, err := s.storage.GetPeripheral(id.String())
	if err != nil {
		return nil, models.NewCommandError(models.ErrorCodeNotFound, "%w", err)
	}
	if err := s.storage.DeletePeripheral(id.String()); err != nil {
		return nil, err
	}
	s.logger.Info("Peripheral forgotten", logger.Stringer("peripheral", id))
	return rec, nil
}

func (s *Server) handleBackupStorage() (interface{}, error) {
	if err := s.storage.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync storage: %w", err)
	}
	path, err := s.storage.BackupData()
	if err != nil {
		return nil, err
	}
	return map[string]string{"path": path}, nil
}

func (s *Server) adoptAll(found []*central.Peripheral) []models.PeripheralInfo {
	out := make([]models.PeripheralInfo, 0, len(found))
	for _, p := range found {
		out = append(out, peripheralInfo(s.adopt(p)))
	}
	return out
}

// decodeArgs fills v from a command's argument map, or any value decoded
// from JSON, using the json tags of v's fields.
func decodeArgs(input interface{}, v interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           v,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(input); err != nil {
		return models.NewCommandError(models.ErrorCodeInvalidArguments, "invalid arguments: %w", err)
	}
	return nil
}

func parsePeripheralIDs(ss []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(ss))
	for _, s := range ss {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, models.NewCommandError(models.ErrorCodeInvalidArguments, "invalid peripheral id %q: %w", s, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func sortPeripherals(ps []models.PeripheralInfo) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].PeripheralID < ps[j].PeripheralID })
}
