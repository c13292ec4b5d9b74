package state

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/agentgate/agentgate/pkg/protocol"
)

// Signer signs and verifies snapshot envelopes with HMAC-SHA256. The secret
// can be rotated at runtime; envelopes signed with a retired secret still
// verify until the rotation depth is exceeded.
type Signer struct {
	mu       sync.RWMutex
	secret   []byte
	previous [][]byte
	maxAge   time.Duration
}

// maxRetiredSecrets bounds how many rotated-out secrets stay valid for
// verification.
const maxRetiredSecrets = 2

// NewSigner creates a signer. maxAge is the snapshot expiry window.
func NewSigner(secret string, maxAge time.Duration) *Signer {
	return &Signer{
		secret: []byte(secret),
		maxAge: maxAge,
	}
}

// Rotate installs a new signing secret. The old secret remains valid for
// verification only.
func (s *Signer) Rotate(secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.previous = append([][]byte{s.secret}, s.previous...)
	if len(s.previous) > maxRetiredSecrets {
		s.previous = s.previous[:maxRetiredSecrets]
	}
	s.secret = []byte(secret)
}

// Sign wraps a snapshot into a signed envelope with the current timestamp.
func (s *Signer) Sign(snap *Snapshot) (*protocol.SignedState, error) {
	canonical, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	now := time.Now().UTC()

	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()

	return &protocol.SignedState{
		State:     canonical,
		Timestamp: now,
		Version:   SchemaVersion,
		Checksum:  checksum(canonical),
		Signature: sign(secret, canonical, now, SchemaVersion),
	}, nil
}

// Verify checks a signed envelope and returns the embedded snapshot.
// Failures carry the stable error kinds clients key on: state_expired,
// checksum_mismatch, signature_mismatch, version_unsupported.
func (s *Signer) Verify(signed *protocol.SignedState) (*Snapshot, *protocol.WireError) {
	if time.Since(signed.Timestamp) > s.maxAge {
		return nil, protocol.NewWireError(protocol.ErrStateExpired,
			"state snapshot from %s is older than %s", signed.Timestamp.Format(time.RFC3339), s.maxAge)
	}

	if checksum(signed.State) != signed.Checksum {
		return nil, protocol.NewWireError(protocol.ErrChecksumMismatch, "state payload was altered")
	}

	if !s.signatureValid(signed) {
		return nil, protocol.NewWireError(protocol.ErrSignatureMismatch, "state signature does not verify")
	}

	if signed.Version != SchemaVersion {
		return nil, protocol.NewWireError(protocol.ErrVersionUnsupported,
			"state schema version %q is not supported", signed.Version)
	}

	var snap Snapshot
	if err := json.Unmarshal(signed.State, &snap); err != nil {
		return nil, protocol.NewWireError(protocol.ErrChecksumMismatch, "state payload does not parse: %v", err)
	}
	return &snap, nil
}

func (s *Signer) signatureValid(signed *protocol.SignedState) bool {
	s.mu.RLock()
	secrets := append([][]byte{s.secret}, s.previous...)
	s.mu.RUnlock()

	for _, secret := range secrets {
		want := sign(secret, signed.State, signed.Timestamp, signed.Version)
		if hmac.Equal([]byte(want), []byte(signed.Signature)) {
			return true
		}
	}
	return false
}

func sign(secret, canonical []byte, ts time.Time, version string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(canonical)
	mac.Write([]byte(ts.UTC().Format(time.RFC3339Nano)))
	mac.Write([]byte(version))
	return hex.EncodeToString(mac.Sum(nil))
}

func checksum(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
