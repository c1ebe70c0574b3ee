package notebook

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Metadata is a notebook or cell metadata object. Values stay raw so keys
// sosmill does not understand round-trip unchanged.
type Metadata map[string]json.RawMessage

func (m Metadata) MarshalJSON() ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]json.RawMessage(m))
}

// Get decodes the value at key into v. It reports false when the key is
// absent or null.
func (m Metadata) Get(key string, v any) (bool, error) {
	raw, ok := m[key]
	if !ok || bytes.Equal(raw, []byte("null")) {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode metadata %q: %w", key, err)
	}
	return true, nil
}

// Set encodes v under key.
func (m Metadata) Set(key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode metadata %q: %w", key, err)
	}
	m[key] = raw
	return nil
}

// Merge sets fields inside the object stored at key, keeping its other
// members. A missing or non-object value is replaced.
func (m Metadata) Merge(key string, fields map[string]any) error {
	obj := map[string]json.RawMessage{}
	if raw, ok := m[key]; ok {
		if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
			obj = map[string]json.RawMessage{}
		}
	}
	for k, v := range fields {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode metadata %s.%s: %w", key, k, err)
		}
		obj[k] = raw
	}
	return m.Set(key, obj)
}

// PapermillKey is the metadata key papermill bookkeeping lives under.
const PapermillKey = "papermill"

// ParameterNames returns the keys of metadata.papermill.parameters in
// document order. It returns nil when no parameters are declared.
func (nb *Notebook) ParameterNames() ([]string, error) {
	var pm struct {
		Parameters json.RawMessage `json:"parameters"`
	}
	ok, err := nb.Metadata.Get(PapermillKey, &pm)
	if err != nil || !ok || len(pm.Parameters) == 0 {
		return nil, err
	}
	return objectKeys(pm.Parameters)
}

// InputPath returns metadata.papermill.input_path, or "".
func (nb *Notebook) InputPath() string {
	var pm struct {
		InputPath string `json:"input_path"`
	}
	if ok, err := nb.Metadata.Get(PapermillKey, &pm); !ok || err != nil {
		return ""
	}
	return pm.InputPath
}

// objectKeys walks a JSON object and returns its keys in order.
func objectKeys(raw json.RawMessage) ([]string, error) {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("read parameters: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("%w: papermill parameters is not an object", ErrInvalidFormat)
	}
	var keys []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("read parameters: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected token %v in parameters", ErrInvalidFormat, tok)
		}
		keys = append(keys, key)
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return nil, fmt.Errorf("read parameter %q: %w", key, err)
		}
	}
	return keys, nil
}
