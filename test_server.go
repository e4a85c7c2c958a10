package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

// Smoke test against a ble-central server already running on localhost,
// e.g. one started with the sim transport.
func main() {
	host := "localhost:5590"
	if len(os.Args) > 1 {
		host = os.Args[1]
	}
	fmt.Printf("Smoke testing ble-central at %s...\n", host)

	if err := testHTTPAPI(host); err != nil {
		fmt.Printf("HTTP API failed: %v\n", err)
		os.Exit(1)
	}
	if err := testWebSocket(host); err != nil {
		fmt.Printf("WebSocket API failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("\nSmoke test completed successfully!")
}

func testHTTPAPI(host string) error {
	fmt.Println("\n--- Testing HTTP API ---")

	for _, path := range []string{"/health", "/api/info", "/api/state", "/api/peripherals"} {
		resp, err := http.Get("http://" + host + path)
		if err != nil {
			return fmt.Errorf("GET %s: %w", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("GET %s: status %d: %s", path, resp.StatusCode, body)
		}
		fmt.Printf("%s: %s\n", path, body)
	}
	return nil
}

func testWebSocket(host string) error {
	fmt.Println("\n--- Testing WebSocket API ---")

	u := url.URL{Scheme: "ws", Host: host, Path: "/ws"}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer c.Close()

	// Server info is sent automatically on connect
	_, message, err := c.ReadMessage()
	if err != nil {
		return fmt.Errorf("read server info: %w", err)
	}
	fmt.Printf("Received server info: %s\n", message)

	for i, command := range []string{"get_state", "capabilities", "start_scan", "stop_scan"} {
		id := fmt.Sprintf("smoke-%d", i)
		if err := c.WriteJSON(map[string]interface{}{"message_id": id, "command": command}); err != nil {
			return fmt.Errorf("write %s: %w", command, err)
		}
		reply, err := readReply(c, id)
		if err != nil {
			return fmt.Errorf("%s: %w", command, err)
		}
		fmt.Printf("%s response: %s\n", command, reply)
	}
	return nil
}

// readReply skips events until the result for messageID arrives.
func readReply(c *websocket.Conn, messageID string) ([]byte, error) {
	c.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			return nil, err
		}
		var probe struct {
			MessageID string `json:"message_id"`
			ErrorCode int    `json:"error_code"`
		}
		if err := json.Unmarshal(message, &probe); err != nil {
			return nil, err
		}
		if probe.MessageID != messageID {
			continue
		}
		if probe.ErrorCode != 0 {
			return nil, fmt.Errorf("error result: %s", message)
		}
		return message, nil
	}
}
