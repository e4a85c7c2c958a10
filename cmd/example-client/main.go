package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/codefionn/go-ble-central/internal/logger"
	"github.com/codefionn/go-ble-central/internal/models"
)

// CentralClient talks to a ble-central server over its WebSocket API.
type CentralClient struct {
	conn    *websocket.Conn
	url     string
	logger  *logger.Logger
	writeMu sync.Mutex

	// connect requests already sent, by peripheral id
	connecting map[string]bool
	autoConn   bool
}

func NewCentralClient(url string, autoConnect bool, log *logger.Logger) *CentralClient {
	return &CentralClient{
		url:        url,
		logger:     log,
		connecting: make(map[string]bool),
		autoConn:   autoConnect,
	}
}

func (c *CentralClient) Connect(ctx context.Context) error {
	c.logger.Info("Connecting to ble-central", logger.String("url", c.url))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to WebSocket: %w", err)
	}
	c.conn = conn

	var info models.ServerInfoMessage
	if err := conn.ReadJSON(&info); err != nil {
		conn.Close()
		return fmt.Errorf("failed to read server info: %w", err)
	}
	c.logger.Info("Connected",
		logger.String("sdk_version", info.SDKVersion),
		logger.String("backend", info.Backend),
	)

	go c.readMessages(ctx)
	return nil
}

func (c *CentralClient) readMessages(ctx context.Context) {
	for {
		var raw json.RawMessage
		if err := c.conn.ReadJSON(&raw); err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("Read failed", logger.ErrorField(err))
			}
			return
		}
		c.handleMessage(raw)
	}
}

func (c *CentralClient) handleMessage(raw json.RawMessage) {
	var probe struct {
		Event     models.EventType `json:"event"`
		ErrorCode int              `json:"error_code"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.logger.Warn("Unparseable message", logger.ErrorField(err))
		return
	}

	switch {
	case probe.Event != "":
		c.handleEvent(probe.Event, raw)
	case probe.ErrorCode != 0:
		var res models.ErrorResultMessage
		if err := json.Unmarshal(raw, &res); err == nil {
			details := "unknown error"
			if res.Details != nil {
				details = *res.Details
			}
			c.logger.Error("Command failed",
				logger.String("message_id", res.MessageID),
				logger.Int("code", res.ErrorCode),
				logger.String("details", details),
			)
		}
	default:
		var res models.SuccessResultMessage
		if err := json.Unmarshal(raw, &res); err == nil {
			c.logger.Info("Command succeeded", logger.String("message_id", res.MessageID), logger.Any("result", res.Result))
		}
	}
}

func (c *CentralClient) handleEvent(event models.EventType, raw json.RawMessage) {
	switch event {
	case models.EventTypePeripheralDiscovered:
		var msg struct {
			Data models.DiscoveredEvent `json:"data"`
		}
		if err := json.Unmarshal(raw, &msg); err != nil {
			return
		}
		p := msg.Data.Peripheral
		c.logger.Info("Discovered",
			logger.String("peripheral", p.PeripheralID),
			logger.String("name", msg.Data.Advertisement.LocalName),
			logger.Int("rssi", msg.Data.Advertisement.RSSI),
			logger.Strings("services", msg.Data.Advertisement.Services),
		)
		if c.autoConn && msg.Data.Advertisement.Connectable && !c.connecting[p.PeripheralID] {
			c.connecting[p.PeripheralID] = true
			if err := c.SendCommand(models.APICommandConnect, map[string]interface{}{"peripheral_id": p.PeripheralID}); err != nil {
				c.logger.Error("Failed to send connect", logger.ErrorField(err))
			}
		}
	default:
		var msg models.EventMessage
		if err := json.Unmarshal(raw, &msg); err == nil {
			c.logger.Info("Event", logger.String("event", string(msg.Event)), logger.Any("data", msg.Data))
		}
	}
}

// SendCommand writes a command with a fresh message id.
func (c *CentralClient) SendCommand(command models.APICommand, args map[string]interface{}) error {
	cmd := models.CommandMessage{
		MessageID: uuid.New().String(),
		Command:   string(command),
		Args:      args,
	}
	c.logger.Debug("Sending command", logger.String("command", cmd.Command), logger.String("message_id", cmd.MessageID))

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(cmd)
}

func (c *CentralClient) Close() error {
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cmd := &cobra.Command{
		Use:   "example-client",
		Short: "Scans through a ble-central server and connects to what it finds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClient(ctx, cmd)
		},
	}
	cmd.Flags().String("url", "ws://127.0.0.1:5590/ws", "ble-central WebSocket URL")
	cmd.Flags().StringSlice("services", nil, "Service UUIDs to scan for (default: all)")
	cmd.Flags().Bool("connect", true, "Connect to connectable peripherals as they are discovered")
	cmd.Flags().Duration("duration", 10*time.Second, "How long to listen before exiting")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runClient(ctx context.Context, cmd *cobra.Command) error {
	url, _ := cmd.Flags().GetString("url")
	services, _ := cmd.Flags().GetStringSlice("services")
	autoConnect, _ := cmd.Flags().GetBool("connect")
	duration, _ := cmd.Flags().GetDuration("duration")

	log := logger.NewConsoleLogger(logger.InfoLevel).WithName("client")

	client := NewCentralClient(url, autoConnect, log)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	steps := []struct {
		command models.APICommand
		args    map[string]interface{}
	}{
		{command: models.APICommandGetState},
		{command: models.APICommandCapabilities},
		{command: models.APICommandStartScan, args: map[string]interface{}{"services": services}},
	}
	for _, step := range steps {
		if err := client.SendCommand(step.command, step.args); err != nil {
			return fmt.Errorf("failed to send %s: %w", step.command, err)
		}
	}

	log.Info("Listening", logger.Duration("duration", duration))
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}

	if err := client.SendCommand(models.APICommandStopScan, nil); err != nil {
		log.Warn("Failed to stop scan", logger.ErrorField(err))
	}
	// Give the stop_scan result a moment to arrive.
	time.Sleep(200 * time.Millisecond)
	return nil
}
