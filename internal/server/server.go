package server

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/codefionn/go-ble-central/internal/bluetooth"
	"github.com/codefionn/go-ble-central/internal/central"
	"github.com/codefionn/go-ble-central/internal/config"
	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
	"github.com/codefionn/go-ble-central/internal/storage"
	"github.com/codefionn/go-ble-central/internal/websocket"
)

// Version is reported in server info.
const Version = "0.1.0"

const (
	schemaVersion = 1
	syncInterval  = 30 * time.Second
)

// Server represents the BLE central server
type Server struct {
	config    *config.Config
	logger    *logger.Logger
	storage   *storage.JSONStorage
	wsHandler *websocket.Handler

	// Event system
	eventCallbacks []eventSubscription
	eventMu        sync.RWMutex

	recent   []models.EventMessage
	recentMu sync.Mutex

	// HTTP server
	httpServer *http.Server

	bluetoothManager *bluetooth.Manager
	btMu             sync.RWMutex

	// One retained handle per peripheral identifier
	handles   map[uuid.UUID]*central.Peripheral
	handlesMu sync.Mutex

	serverInfo models.ServerInfoMessage
	infoMu     sync.RWMutex

	syncStop     chan struct{}
	syncDone     chan struct{}
	shutdownOnce sync.Once
}

// eventSubscription tracks a callback with an ID for safe unsubscribe
type eventSubscription struct {
	id string
	cb models.EventCallback
}

// New creates a new server instance. Nothing is started until Start or Run.
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if log == nil {
		log = logger.Discard()
	}

	s := &Server{
		config:  cfg,
		logger:  log.WithName("server"),
		storage: storage.NewJSONStorage(cfg.Storage.Path, log),
		handles: make(map[uuid.UUID]*central.Peripheral),
		serverInfo: models.ServerInfoMessage{
			SchemaVersion:             schemaVersion,
			MinSupportedSchemaVersion: 1,
			SDKVersion:                "go-ble-central-" + Version,
			Backend:                   cfg.Central.Transport,
			Adapter:                   cfg.Central.Adapter,
		},
	}
	s.wsHandler = websocket.NewHandler(s, log)
	return s, nil
}

// Start opens storage and starts the central manager. HTTP is not served.
func (s *Server) Start(ctx context.Context) error {
	if err := s.storage.Start(); err != nil {
		return fmt.Errorf("failed to start storage: %w", err)
	}

	key, err := s.identityKey()
	if err != nil {
		return fmt.Errorf("failed to load identity key: %w", err)
	}

	mgr, err := bluetooth.NewManager(bluetooth.Config{
		Backend:       s.config.Central.Transport,
		AdapterID:     s.config.Central.Adapter,
		Enabled:       s.config.Central.Enabled,
		Scenario:      s.config.Central.Scenario,
		PendingPolicy: s.config.Central.Policy(),
		IdentityKey:   key,
		Observer:      s,
		Logger:        s.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create bluetooth manager: %w", err)
	}

	s.btMu.Lock()
	s.bluetoothManager = mgr
	s.btMu.Unlock()

	if mgr.IsEnabled() {
		if err := mgr.Start(ctx); err != nil {
			return fmt.Errorf("failed to start bluetooth manager: %w", err)
		}
		s.resumeScan()
	} else {
		s.logger.Info("Central manager disabled by configuration")
	}

	s.infoMu.Lock()
	s.serverInfo.BluetoothEnabled = mgr.IsEnabled()
	s.infoMu.Unlock()

	s.syncStop = make(chan struct{})
	s.syncDone = make(chan struct{})
	go s.syncLoop()

	return nil
}

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting BLE central server",
		logger.Int("port", s.config.Server.Port),
		logger.String("listen", strings.Join(s.config.Server.ListenAddresses, ", ")),
		logger.String("transport", s.config.Central.Transport),
	)

	if err := s.Start(ctx); err != nil {
		s.Shutdown()
		return err
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	var listeners []net.Listener
	for _, addr := range s.listenAddrs() {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			s.Shutdown()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		listeners = append(listeners, ln)
	}

	serverErr := make(chan error, len(listeners))
	for _, ln := range listeners {
		go func(ln net.Listener) {
			s.logger.Info("HTTP server listening", logger.String("addr", ln.Addr().String()))
			if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- err
			}
		}(ln)
	}

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down server...")
		return s.Shutdown()
	case err := <-serverErr:
		s.Shutdown()
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) listenAddrs() []string {
	port := strconv.Itoa(s.config.Server.Port)
	if len(s.config.Server.ListenAddresses) == 0 {
		return []string{":" + port}
	}
	addrs := make([]string, 0, len(s.config.Server.ListenAddresses))
	for _, host := range s.config.Server.ListenAddresses {
		addrs = append(addrs, net.JoinHostPort(host, port))
	}
	return addrs
}

// Shutdown stops the manager, lets its last events reach clients, then
// closes connections and storage. It is safe to call more than once.
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		if mgr := s.manager(); mgr != nil {
			if err := mgr.Stop(); err != nil {
				s.logger.Error("Failed to shutdown Bluetooth manager", logger.ErrorField(err))
			}
		}
		s.releaseHandles()

		s.EmitEvent(models.EventTypeServerShutdown, nil)
		s.wsHandler.Shutdown()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s.httpServer.Shutdown(ctx); err != nil {
				s.logger.Error("Failed to shutdown HTTP server", logger.ErrorField(err))
			}
			cancel()
		}

		if s.syncStop != nil {
			close(s.syncStop)
			<-s.syncDone
		}
		if err := s.storage.Stop(); err != nil {
			s.logger.Error("Failed to stop storage", logger.ErrorField(err))
		}

		s.logger.Info("Server shutdown complete")
	})
	return nil
}

// Subscribe adds an event callback
func (s *Server) Subscribe(callback models.EventCallback) func() {
	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	id := models.GenerateMessageID()
	s.eventCallbacks = append(s.eventCallbacks, eventSubscription{id: id, cb: callback})

	// Return unsubscribe function (removes by ID)
	return func() {
		s.eventMu.Lock()
		defer s.eventMu.Unlock()

		for i := range s.eventCallbacks {
			if s.eventCallbacks[i].id == id {
				s.eventCallbacks = append(s.eventCallbacks[:i], s.eventCallbacks[i+1:]...)
				break
			}
		}
	}
}

// GetServerInfo returns server information
func (s *Server) GetServerInfo() models.ServerInfoMessage {
	s.infoMu.RLock()
	defer s.infoMu.RUnlock()
	return s.serverInfo
}

func (s *Server) manager() *bluetooth.Manager {
	s.btMu.RLock()
	defer s.btMu.RUnlock()
	return s.bluetoothManager
}

// central returns the running central manager, or nil.
func (s *Server) central() *central.Manager {
	mgr := s.manager()
	if mgr == nil || !mgr.IsEnabled() {
		return nil
	}
	return mgr.Central()
}

// identityKey loads the address mapping key, creating and persisting one on
// first start so identifiers survive restarts.
func (s *Server) identityKey() ([]byte, error) {
	if v, err := s.storage.GetSetting(storage.SettingIdentityKey); err == nil {
		if str, ok := v.(string); ok {
			key, err := hex.DecodeString(str)
			if err == nil && len(key) >= central.IdentityKeySize {
				return key, nil
			}
		}
		s.logger.Warn("Stored identity key is invalid, generating a new one")
	}

	key, err := central.NewIdentityKey()
	if err != nil {
		return nil, err
	}
	if err := s.storage.SaveSetting(storage.SettingIdentityKey, hex.EncodeToString(key)); err != nil {
		return nil, err
	}
	s.logger.Info("Generated new identity key")
	return key, nil
}

// resumeScan restarts the last requested scan.
func (s *Server) resumeScan() {
	v, err := s.storage.GetSetting(storage.SettingScanFilter)
	if err != nil {
		return
	}
	var filter models.ScanFilter
	if f, ok := v.(models.ScanFilter); ok {
		filter = f
	} else if err := decodeArgs(v, &filter); err != nil {
		s.logger.Warn("Ignoring stored scan filter", logger.ErrorField(err))
		return
	}
	if err := s.startScan(filter); err != nil {
		s.logger.Warn("Failed to resume scan", logger.ErrorField(err))
	}
}

func (s *Server) syncLoop() {
	defer close(s.syncDone)

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.syncStop:
			return
		case <-ticker.C:
			if err := s.storage.Sync(); err != nil {
				s.logger.Warn("Failed to sync storage", logger.ErrorField(err))
			}
		}
	}
}

// HTTP handlers

// Handler returns the HTTP handler serving the API and websocket.
func (s *Server) Handler() http.Handler {
	return s.setupRouter()
}

func (s *Server) setupRouter() *mux.Router {
	router := mux.NewRouter()

	// WebSocket endpoint
	router.HandleFunc("/ws", s.wsHandler.HandleWebSocket)

	// HTTP API endpoints
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/info", s.handleInfoHTTP).Methods("GET")
	api.HandleFunc("/state", s.handleStateHTTP).Methods("GET")
	api.HandleFunc("/peripherals", s.handlePeripheralsHTTP).Methods("GET")
	api.HandleFunc("/peripherals/{id}", s.handlePeripheralHTTP).Methods("GET")
	api.HandleFunc("/known/{id}", s.handleKnownPeripheralHTTP).Methods("GET")
	api.HandleFunc("/diagnostics", s.handleDiagnosticsHTTP).Methods("GET")

	// Health check
	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	router.Use(s.loggingMiddleware)
	router.Use(s.corsMiddleware)

	return router
}

func (s *Server) handleInfoHTTP(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.GetServerInfo())
}

func (s *Server) handleStateHTTP(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.status())
}

func (s *Server) handlePeripheralsHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("known") == "true" {
		known, err := s.storage.GetPeripherals()
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, known)
		return
	}
	s.writeJSON(w, s.peripherals())
}

func (s *Server) handlePeripheralHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid peripheral id")
		return
	}
	p, ok := s.handle(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("peripheral %s not found", id))
		return
	}
	s.writeJSON(w, peripheralInfo(p))
}

func (s *Server) handleKnownPeripheralHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid peripheral id")
		return
	}
	rec, err := s.storage.GetPeripheral(id.String())
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, rec)
}

func (s *Server) handleDiagnosticsHTTP(w http.ResponseWriter, r *http.Request) {
	diagnostics, err := s.handleServerDiagnostics()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, diagnostics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.status()
	health := map[string]interface{}{
		"status":      "ok",
		"timestamp":   time.Now().UTC(),
		"connections": s.wsHandler.GetConnectionCount(),
		"state":       status.State,
		"scanning":    status.Scanning,
		"peripherals": len(s.peripherals()),
	}

	s.writeJSON(w, health)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		duration := time.Since(start)

		s.logger.Debug("HTTP request",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Duration("duration", duration),
			logger.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", logger.ErrorField(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	errorResponse := map[string]interface{}{
		"error":     message,
		"code":      code,
		"timestamp": time.Now().UTC(),
	}

	if err := json.NewEncoder(w).Encode(errorResponse); err != nil {
		s.logger.Error("Failed to encode error response", logger.ErrorField(err))
	} else {
		s.logger.Warn("HTTP error response",
			logger.Int("status", code),
			logger.String("message", message),
		)
	}
}
