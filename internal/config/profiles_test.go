package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/seantiz/sosmill/internal/backend"
)

const sampleProfiles = `
profile "default" {
  kernel_name       = "sos"
  endpoint          = "unix:///run/sos/kernel.sock"
  start_timeout     = "60s"
  execution_timeout = "10m"
  iopub_timeout     = "4s"
  log_output        = true
  dial_retries      = 3
  session           = "batch"
}

profile "cluster" {
  connection_file        = "/run/jupyter/kernel-1.json"
  raise_on_iopub_timeout = true
  stop_on_error          = true
  ratio                  = 0.5
  tags                   = ["a", "b"]
}
`

func TestParseProfiles(t *testing.T) {
	profiles, err := ParseProfiles([]byte(sampleProfiles), "profiles.hcl")
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}

	if diff := cmp.Diff([]string{"cluster", "default"}, profiles.Names()); diff != "" {
		t.Errorf("Names() mismatch (-want +got):\n%s", diff)
	}

	def, err := profiles.Get("")
	if err != nil {
		t.Fatalf("Get default: %v", err)
	}
	want := &Profile{
		Name:             "default",
		Engine:           backend.DefaultEngine,
		KernelName:       "sos",
		Endpoint:         "unix:///run/sos/kernel.sock",
		StartTimeout:     60 * time.Second,
		ExecutionTimeout: 10 * time.Minute,
		IOPubTimeout:     4 * time.Second,
		LogOutput:        true,
		Extra:            map[string]any{"dial_retries": 3, "session": "batch"},
	}
	if diff := cmp.Diff(want, def); diff != "" {
		t.Errorf("default profile mismatch (-want +got):\n%s", diff)
	}

	cluster, err := profiles.Get("cluster")
	if err != nil {
		t.Fatalf("Get cluster: %v", err)
	}
	if cluster.ConnectionFile != "/run/jupyter/kernel-1.json" || !cluster.RaiseOnIOPubTimeout || !cluster.StopOnError {
		t.Errorf("cluster profile = %+v", cluster)
	}
	wantExtra := map[string]any{"ratio": 0.5, "tags": []any{"a", "b"}}
	if diff := cmp.Diff(wantExtra, cluster.Extra); diff != "" {
		t.Errorf("cluster extra mismatch (-want +got):\n%s", diff)
	}
}

func TestProfileOptions(t *testing.T) {
	p := &Profile{
		KernelName:   "sos",
		Endpoint:     "tcp://127.0.0.1:9000",
		IOPubTimeout: 2 * time.Second,
		StopOnError:  true,
		Extra:        map[string]any{"dial_retries": 1},
	}
	opts := p.Options()
	if opts.KernelName != "sos" || opts.Endpoint != "tcp://127.0.0.1:9000" || opts.IOPubTimeout != 2*time.Second || !opts.StopOnError {
		t.Errorf("Options() = %+v", opts)
	}
	if n, ok := opts.ExtraInt("dial_retries"); !ok || n != 1 {
		t.Errorf("ExtraInt(dial_retries) = %d, %v", n, ok)
	}
}

func TestParseProfilesErrors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax", `profile "x" {`},
		{"missing label", `profile { engine = "sos" }`},
		{"wrong type", `profile "x" { log_output = "maybe" }`},
		{"bad duration", `profile "x" { iopub_timeout = "soon" }`},
		{"duplicate", "profile \"x\" {}\nprofile \"x\" {}"},
		{"both transports", `profile "x" {
  endpoint        = "unix:///a.sock"
  connection_file = "/b.json"
}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseProfiles([]byte(tt.src), "bad.hcl"); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestProfilesGetUnknown(t *testing.T) {
	profiles, err := ParseProfiles([]byte(`profile "only" {}`), "p.hcl")
	if err != nil {
		t.Fatalf("ParseProfiles: %v", err)
	}
	if _, err := profiles.Get(""); !errors.Is(err, ErrProfileNotFound) {
		t.Errorf("Get default error = %v, want ErrProfileNotFound", err)
	}
	p, err := profiles.Get("only")
	if err != nil {
		t.Fatalf("Get only: %v", err)
	}
	if p.Engine != backend.DefaultEngine || p.Extra != nil {
		t.Errorf("profile = %+v", p)
	}
}

func TestLoadProfiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.hcl")
	if err := os.WriteFile(path, []byte(sampleProfiles), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Errorf("len = %d, want 2", len(profiles))
	}

	if _, err := LoadProfiles(filepath.Join(t.TempDir(), "missing.hcl")); err == nil {
		t.Error("expected error for missing file")
	}
}
