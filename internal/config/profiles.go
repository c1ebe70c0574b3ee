package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/seantiz/sosmill/internal/backend"
)

// DefaultProfile is the profile used when none is named.
const DefaultProfile = "default"

// ErrProfileNotFound is returned by Profiles.Get for unknown names.
var ErrProfileNotFound = errors.New("profile not found")

// Profile is a named set of engine options.
type Profile struct {
	Name                string
	Engine              string
	KernelName          string
	Endpoint            string
	ConnectionFile      string
	StartTimeout        time.Duration
	ExecutionTimeout    time.Duration
	IOPubTimeout        time.Duration
	RaiseOnIOPubTimeout bool
	StopOnError         bool
	LogOutput           bool

	// Extra holds attributes the engine does not recognize. They are passed
	// to the transport unchanged.
	Extra map[string]any
}

// Options converts the profile into engine options.
func (p *Profile) Options() backend.Options {
	return backend.Options{
		KernelName:          p.KernelName,
		LogOutput:           p.LogOutput,
		StartTimeout:        p.StartTimeout,
		ExecutionTimeout:    p.ExecutionTimeout,
		IOPubTimeout:        p.IOPubTimeout,
		RaiseOnIOPubTimeout: p.RaiseOnIOPubTimeout,
		StopOnError:         p.StopOnError,
		Endpoint:            p.Endpoint,
		ConnectionFile:      p.ConnectionFile,
		Extra:               p.Extra,
	}
}

// Profiles maps profile names to profiles.
type Profiles map[string]*Profile

// Get returns the named profile, or the default profile when name is empty.
func (ps Profiles) Get(name string) (*Profile, error) {
	if name == "" {
		name = DefaultProfile
	}
	p, ok := ps[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return p, nil
}

// Names returns the profile names in sorted order.
func (ps Profiles) Names() []string {
	names := make([]string, 0, len(ps))
	for name := range ps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// hclProfilesFile is the top-level structure of a profile file for decoding.
type hclProfilesFile struct {
	Profiles []*hclProfile `hcl:"profile,block"`
}

type hclProfile struct {
	Name                string   `hcl:"name,label"`
	Engine              *string  `hcl:"engine,optional"`
	KernelName          *string  `hcl:"kernel_name,optional"`
	Endpoint            *string  `hcl:"endpoint,optional"`
	ConnectionFile      *string  `hcl:"connection_file,optional"`
	StartTimeout        *string  `hcl:"start_timeout,optional"`
	ExecutionTimeout    *string  `hcl:"execution_timeout,optional"`
	IOPubTimeout        *string  `hcl:"iopub_timeout,optional"`
	RaiseOnIOPubTimeout *bool    `hcl:"raise_on_iopub_timeout,optional"`
	StopOnError         *bool    `hcl:"stop_on_error,optional"`
	LogOutput           *bool    `hcl:"log_output,optional"`
	Remain              hcl.Body `hcl:",remain"`
}

// LoadProfiles parses the HCL profile file at path.
func LoadProfiles(path string) (Profiles, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(src, path)
}

// ParseProfiles parses HCL profile source. filename is used in diagnostics.
func ParseProfiles(src []byte, filename string) (Profiles, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var parsed hclProfilesFile
	if diags := gohcl.DecodeBody(file.Body, nil, &parsed); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	profiles := make(Profiles, len(parsed.Profiles))
	for _, hp := range parsed.Profiles {
		if _, dup := profiles[hp.Name]; dup {
			return nil, fmt.Errorf("%s: duplicate profile %q", filename, hp.Name)
		}
		p, err := hp.toProfile()
		if err != nil {
			return nil, fmt.Errorf("%s: profile %q: %w", filename, hp.Name, err)
		}
		profiles[hp.Name] = p
	}
	return profiles, nil
}

func (hp *hclProfile) toProfile() (*Profile, error) {
	p := &Profile{
		Name:                hp.Name,
		Engine:              deref(hp.Engine),
		KernelName:          deref(hp.KernelName),
		Endpoint:            deref(hp.Endpoint),
		ConnectionFile:      deref(hp.ConnectionFile),
		RaiseOnIOPubTimeout: deref(hp.RaiseOnIOPubTimeout),
		StopOnError:         deref(hp.StopOnError),
		LogOutput:           deref(hp.LogOutput),
	}
	if p.Engine == "" {
		p.Engine = backend.DefaultEngine
	}
	if p.Endpoint != "" && p.ConnectionFile != "" {
		return nil, errors.New("endpoint and connection_file are mutually exclusive")
	}

	durations := []struct {
		name string
		src  *string
		dst  *time.Duration
	}{
		{"start_timeout", hp.StartTimeout, &p.StartTimeout},
		{"execution_timeout", hp.ExecutionTimeout, &p.ExecutionTimeout},
		{"iopub_timeout", hp.IOPubTimeout, &p.IOPubTimeout},
	}
	for _, d := range durations {
		if d.src == nil {
			continue
		}
		v, err := backend.ParseDuration(*d.src)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.name, err)
		}
		*d.dst = v
	}

	extra, err := remainingAttributes(hp.Remain)
	if err != nil {
		return nil, err
	}
	p.Extra = extra
	return p, nil
}

// remainingAttributes evaluates the attributes no field claimed into plain
// Go values.
func remainingAttributes(body hcl.Body) (map[string]any, error) {
	if body == nil {
		return nil, nil
	}
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, diags
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(attrs))
	for name, attr := range attrs {
		val, diags := attr.Expr.Value(nil)
		if diags.HasErrors() {
			return nil, diags
		}
		v, err := ctyValueToInterface(val)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		extra[name] = v
	}
	return extra, nil
}

// ctyValueToInterface converts a cty value to its natural Go form. Whole
// numbers become int.
func ctyValueToInterface(val cty.Value) (any, error) {
	if !val.IsKnown() || val.IsNull() {
		return nil, nil
	}
	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if bf.IsInt() {
			if i, acc := bf.Int64(); acc == big.Exact {
				return int(i), nil
			}
		}
		f, _ := bf.Float64()
		return f, nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			converted, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = converted
		}
		return out, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var out []any
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			converted, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type: %s", ty.FriendlyName())
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}
