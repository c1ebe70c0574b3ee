package kernel

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// SignatureHMACSHA256 is the only signature scheme the wire codec supports.
const SignatureHMACSHA256 = "hmac-sha256"

// Delimiter separates routing identities from the signed message parts.
var Delimiter = []byte("<IDS|MSG>")

// Wire decoding errors.
var (
	ErrMissingDelimiter = errors.New("missing <IDS|MSG> delimiter")
	ErrBadSignature     = errors.New("message signature mismatch")
)

// Signer computes and verifies message signatures. A signer with an empty
// key produces empty signatures and accepts any signature, which is what
// Jupyter does when authentication is disabled.
type Signer struct {
	key []byte
}

// NewSigner creates a signer for the given key.
func NewSigner(key string) *Signer {
	return &Signer{key: []byte(key)}
}

// Sign returns the hex signature over the four signed parts.
func (s *Signer) Sign(parts ...[]byte) string {
	if len(s.key) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, s.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches the parts.
func (s *Signer) Verify(signature []byte, parts ...[]byte) bool {
	if len(s.key) == 0 {
		return true
	}
	want := s.Sign(parts...)
	return hmac.Equal([]byte(want), signature)
}

// Encode serializes msg into multipart frames:
// identities..., <IDS|MSG>, signature, header, parent_header, metadata,
// content, buffers...
func Encode(msg *Message, signer *Signer, identities ...[]byte) ([][]byte, error) {
	header, err := json.Marshal(msg.Header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	parent := []byte("{}")
	if msg.ParentHeader != (Header{}) {
		if parent, err = json.Marshal(msg.ParentHeader); err != nil {
			return nil, fmt.Errorf("marshal parent header: %w", err)
		}
	}
	metadata := []byte("{}")
	if len(msg.Metadata) > 0 {
		if metadata, err = json.Marshal(msg.Metadata); err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
	}
	content := []byte(msg.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}

	frames := make([][]byte, 0, len(identities)+6+len(msg.Buffers))
	frames = append(frames, identities...)
	frames = append(frames, Delimiter)
	frames = append(frames, []byte(signer.Sign(header, parent, metadata, content)))
	frames = append(frames, header, parent, metadata, content)
	frames = append(frames, msg.Buffers...)
	return frames, nil
}

// Decode parses multipart frames produced by a kernel, verifying the
// signature. Routing identities are returned separately.
func Decode(frames [][]byte, signer *Signer) (*Message, [][]byte, error) {
	idx := -1
	for i, f := range frames {
		if bytes.Equal(f, Delimiter) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, nil, ErrMissingDelimiter
	}
	parts := frames[idx+1:]
	if len(parts) < 5 {
		return nil, nil, fmt.Errorf("decode message: expected at least 5 frames after delimiter, got %d", len(parts))
	}
	signature, header, parent, metadata, content := parts[0], parts[1], parts[2], parts[3], parts[4]
	if !signer.Verify(signature, header, parent, metadata, content) {
		return nil, nil, ErrBadSignature
	}

	msg := &Message{Content: json.RawMessage(append([]byte(nil), content...))}
	if err := json.Unmarshal(header, &msg.Header); err != nil {
		return nil, nil, fmt.Errorf("decode header: %w", err)
	}
	if err := json.Unmarshal(parent, &msg.ParentHeader); err != nil {
		return nil, nil, fmt.Errorf("decode parent header: %w", err)
	}
	if err := json.Unmarshal(metadata, &msg.Metadata); err != nil {
		return nil, nil, fmt.Errorf("decode metadata: %w", err)
	}
	if len(parts) > 5 {
		msg.Buffers = parts[5:]
	}
	return msg, frames[:idx], nil
}
