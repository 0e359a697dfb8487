package brick

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/wehubfusion/brickrunner/pkg/packet"
	"github.com/wehubfusion/brickrunner/pkg/state"
	"go.uber.org/zap"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

// Adapter is the runner capability handed to a transform at setup.
type Adapter struct {
	FlowID     string
	BrickID    string
	Parameters map[string]any
	State      state.State
	Logger     *zap.Logger

	secretKey *[32]byte
	emit      func(*packet.Packet)
}

// Emit sends a fresh packet downstream, unrelated to any input packet.
// Inlet transforms use it to produce packets in the background.
func (a *Adapter) Emit(value any, port string) {
	a.emit(packet.New(port, value))
}

// Param returns a parameter, or def when it is not set.
func (a *Adapter) Param(name string, def any) any {
	if v, ok := a.Parameters[name]; ok {
		return v
	}
	return def
}

// Decrypt opens a base64 secretbox message (24-byte nonce followed by the
// sealed box) with the runner's secret key.
func (a *Adapter) Decrypt(ciphertext string) (string, error) {
	if a.secretKey == nil {
		return "", errors.New("no secret key configured")
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to decode secret: %w", err)
	}
	if len(raw) < nonceSize+secretbox.Overhead {
		return "", errors.New("secret too short")
	}

	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, a.secretKey)
	if !ok {
		return "", errors.New("failed to decrypt secret")
	}
	return string(plain), nil
}

// ParseSecretKey decodes a base64 32-byte key. An empty string yields nil.
func ParseSecretKey(encoded string) (*[32]byte, error) {
	if encoded == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("secret key must be 32 bytes, got %d", len(raw))
	}
	var key [32]byte
	copy(key[:], raw)
	return &key, nil
}
