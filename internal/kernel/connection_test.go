package kernel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConnectionFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.json")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write connection file: %v", err)
	}
	return path
}

func TestLoadConnectionFile(t *testing.T) {
	path := writeConnectionFile(t, `{
		"shell_port": 57503, "iopub_port": 40885, "stdin_port": 52939,
		"control_port": 40621, "hb_port": 44963, "ip": "10.0.0.5",
		"key": "a0436f6c-1916-498b-8eb9-e81ab9368e84", "transport": "tcp",
		"signature_scheme": "hmac-sha256", "kernel_name": "sos"
	}`)

	info, err := LoadConnectionFile(path)
	if err != nil {
		t.Fatalf("LoadConnectionFile: %v", err)
	}
	if info.KernelName != "sos" {
		t.Errorf("KernelName = %q, want sos", info.KernelName)
	}

	shell, err := info.Endpoint(ChannelShell)
	if err != nil {
		t.Fatalf("Endpoint(shell): %v", err)
	}
	if shell != "tcp://10.0.0.5:57503" {
		t.Errorf("shell endpoint = %q", shell)
	}
	iopub, _ := info.Endpoint(ChannelIOPub)
	if iopub != "tcp://10.0.0.5:40885" {
		t.Errorf("iopub endpoint = %q", iopub)
	}
}

func TestLoadConnectionFileDefaults(t *testing.T) {
	path := writeConnectionFile(t, `{"shell_port": 1, "iopub_port": 2}`)

	info, err := LoadConnectionFile(path)
	if err != nil {
		t.Fatalf("LoadConnectionFile: %v", err)
	}
	if info.Transport != "tcp" || info.IP != "127.0.0.1" || info.SignatureScheme != SignatureHMACSHA256 {
		t.Errorf("defaults not applied: %+v", info)
	}
}

func TestLoadConnectionFileInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing ports", `{"transport": "tcp"}`},
		{"bad transport", `{"transport": "udp", "shell_port": 1, "iopub_port": 2}`},
		{"bad scheme", `{"signature_scheme": "hmac-md5", "shell_port": 1, "iopub_port": 2}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConnectionFile(writeConnectionFile(t, tt.content))
			if !errors.Is(err, ErrInvalidConnection) {
				t.Errorf("error = %v, want ErrInvalidConnection", err)
			}
		})
	}
}

func TestIPCEndpoint(t *testing.T) {
	info := ConnectionInfo{Transport: "ipc", IP: "/tmp/kernel", ShellPort: 1, IOPubPort: 2}
	got, err := info.Endpoint(ChannelIOPub)
	if err != nil {
		t.Fatalf("Endpoint: %v", err)
	}
	if got != "ipc:///tmp/kernel-2" {
		t.Errorf("Endpoint = %q, want ipc:///tmp/kernel-2", got)
	}
	if _, err := info.Endpoint("bogus"); err == nil {
		t.Error("expected error for unknown channel")
	}
}
