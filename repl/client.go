package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"

	murmur "github.com/Paranoid-AF/murmur"
)

// Client makes sequential JSON-RPC calls over one socket connection.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	timeout time.Duration
	nextID  int
}

// Dial connects to the daemon socket.
func Dial(sockPath string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", sockPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", sockPath, err)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	return &Client{conn: conn, scanner: sc, timeout: timeout}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

// Call sends method with params and decodes the result into result. A
// JSON-RPC error is returned as *murmur.Error.
func (c *Client) Call(method string, params, result any) error {
	c.nextID++
	id := strconv.Itoa(c.nextID)
	req := struct {
		JSONRPC string `json:"jsonrpc"`
		ID      int    `json:"id"`
		Method  string `json:"method"`
		Params  any    `json:"params,omitempty"`
	}{murmur.JSONRPCVersion, c.nextID, method, params}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	c.conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send request: %w", err)
	}

	for {
		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return fmt.Errorf("read response: %w", err)
			}
			return fmt.Errorf("read response: connection closed")
		}
		var resp struct {
			ID     json.RawMessage `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *murmur.Error   `json:"error"`
		}
		if err := json.Unmarshal(c.scanner.Bytes(), &resp); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		// Replies to earlier, abandoned calls are skipped.
		if string(resp.ID) != id && string(resp.ID) != "null" {
			continue
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
		return nil
	}
}
