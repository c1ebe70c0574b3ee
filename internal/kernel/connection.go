package kernel

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Channel names.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelStdin   = "stdin"
	ChannelControl = "control"
	ChannelHB      = "hb"
)

// ErrInvalidConnection is returned for connection files that cannot be used.
var ErrInvalidConnection = errors.New("invalid connection info")

// ConnectionInfo is the content of a Jupyter kernel connection file.
type ConnectionInfo struct {
	Transport       string `json:"transport"`
	IP              string `json:"ip"`
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	Key             string `json:"key"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name"`
}

// LoadConnectionFile reads and validates a connection file.
func LoadConnectionFile(path string) (ConnectionInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("read connection file: %w", err)
	}
	var info ConnectionInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return ConnectionInfo{}, fmt.Errorf("parse connection file %s: %w", path, err)
	}
	info.applyDefaults()
	if err := info.Validate(); err != nil {
		return ConnectionInfo{}, err
	}
	return info, nil
}

func (c *ConnectionInfo) applyDefaults() {
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.IP == "" {
		c.IP = "127.0.0.1"
	}
	if c.SignatureScheme == "" {
		c.SignatureScheme = SignatureHMACSHA256
	}
}

// Validate checks the fields the executor needs: a supported transport and
// signature scheme, and the shell and iopub ports.
func (c *ConnectionInfo) Validate() error {
	if c.Transport != "tcp" && c.Transport != "ipc" {
		return fmt.Errorf("%w: unsupported transport %q", ErrInvalidConnection, c.Transport)
	}
	if c.SignatureScheme != SignatureHMACSHA256 {
		return fmt.Errorf("%w: unsupported signature scheme %q", ErrInvalidConnection, c.SignatureScheme)
	}
	if c.ShellPort <= 0 || c.IOPubPort <= 0 {
		return fmt.Errorf("%w: shell and iopub ports are required", ErrInvalidConnection)
	}
	return nil
}

// Endpoint returns the ZeroMQ endpoint of the named channel.
func (c *ConnectionInfo) Endpoint(channel string) (string, error) {
	var port int
	switch channel {
	case ChannelShell:
		port = c.ShellPort
	case ChannelIOPub:
		port = c.IOPubPort
	case ChannelStdin:
		port = c.StdinPort
	case ChannelControl:
		port = c.ControlPort
	case ChannelHB:
		port = c.HBPort
	default:
		return "", fmt.Errorf("unknown channel %q", channel)
	}
	if c.Transport == "ipc" {
		return fmt.Sprintf("ipc://%s-%d", c.IP, port), nil
	}
	return fmt.Sprintf("tcp://%s:%d", c.IP, port), nil
}
