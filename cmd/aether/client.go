package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
)

const dialTimeout = 10 * time.Second

// client is a one-shot kernel connection: dial, authenticate with the
// saved token, run a handful of frames, close.
type client struct {
	conn   *websocket.Conn
	nextID int
}

func dial(ctx context.Context, kernelURL string) (*client, error) {
	u := strings.TrimSuffix(kernelURL, "/") + "/ws"
	if strings.HasPrefix(u, "http") {
		u = "ws" + strings.TrimPrefix(u, "http")
	}
	conn, _, err := websocket.Dial(ctx, u, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u, err)
	}
	conn.SetReadLimit(512 * 1024)
	return &client{conn: conn}, nil
}

func (c *client) close() {
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// call sends one command frame and waits for its response, skipping any
// event batches that arrive in between.
func (c *client) call(ctx context.Context, cmdType string, params map[string]any) (map[string]any, error) {
	c.nextID++
	id := fmt.Sprintf("cli-%d", c.nextID)

	frame := map[string]any{"type": cmdType, "id": id}
	for k, v := range params {
		frame[k] = v
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	for {
		_, raw, err := c.conn.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("read: %w", err)
		}
		// Event batches are JSON arrays; responses are objects.
		if len(raw) > 0 && raw[0] == '[' {
			continue
		}
		var resp map[string]any
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, fmt.Errorf("bad frame: %w", err)
		}
		if resp["id"] != id {
			continue
		}
		if resp["type"] == "response.error" {
			e, _ := resp["error"].(map[string]any)
			return nil, fmt.Errorf("%v: %v", e["code"], e["message"])
		}
		d, _ := resp["data"].(map[string]any)
		return d, nil
	}
}

// authenticate validates the saved token against the kernel. Commands
// other than login require it.
func (c *client) authenticate(ctx context.Context) error {
	token, err := loadToken()
	if err != nil {
		return fmt.Errorf("not logged in, run: aether login")
	}
	if _, err := c.call(ctx, "auth.login", map[string]any{"token": token}); err != nil {
		return fmt.Errorf("session expired, run: aether login (%w)", err)
	}
	return nil
}

func tokenPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "aether", "token"), nil
}

func saveToken(token string) error {
	p, err := tokenPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(token), 0o600)
}

func loadToken() (string, error) {
	p, err := tokenPath()
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func printJSON(v any) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}
