package state

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentgate/agentgate/internal/common/logger"
	"github.com/agentgate/agentgate/pkg/protocol"
)

// Options bounds exported snapshots.
type Options struct {
	MaxAge       time.Duration
	MaxMessages  int
	MaxBytes     int
	ExtraFilters []string
}

// ExportInfo summarises an export for the agent.state_exported event.
type ExportInfo struct {
	StateSize    int
	MessageCount int
	CurrentStep  int
}

// Manager exports, signs, verifies, and restores session snapshots.
type Manager struct {
	signer    *Signer
	sanitizer *Sanitizer
	opts      Options
	log       *logger.Logger
}

// NewManager creates a state manager. ephemeral marks a randomly generated
// per-process secret: snapshots signed with it die with the process.
func NewManager(secret string, ephemeral bool, opts Options, log *logger.Logger) *Manager {
	if opts.MaxAge <= 0 {
		opts.MaxAge = 7 * 24 * time.Hour
	}
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 100
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 100 * 1024
	}
	log = log.WithFields(zap.String("component", "state"))
	if ephemeral {
		log.Warn("no state secret configured, using ephemeral random key; " +
			"previously signed states will not restore after a restart")
	}
	return &Manager{
		signer:    NewSigner(secret, opts.MaxAge),
		sanitizer: NewSanitizer(opts.ExtraFilters...),
		opts:      opts,
		log:       log,
	}
}

// RotateSecret installs a new signing secret at runtime.
func (m *Manager) RotateSecret(secret string) {
	m.signer.Rotate(secret)
	m.log.Info("state signing secret rotated")
}

// Export sanitizes and bounds a snapshot, then signs it.
func (m *Manager) Export(snap *Snapshot) (*protocol.SignedState, *ExportInfo, error) {
	bounded := *snap
	bounded.MemorySnapshot = m.sanitizer.SanitizeMessages(snap.MemorySnapshot)
	bounded.ToolStates = m.sanitizer.SanitizeMap(snap.ToolStates)
	bounded.Metadata = m.sanitizer.SanitizeMap(snap.Metadata)

	if len(bounded.MemorySnapshot) > m.opts.MaxMessages {
		bounded.MemorySnapshot = bounded.MemorySnapshot[len(bounded.MemorySnapshot)-m.opts.MaxMessages:]
	}

	// byte cap: drop oldest messages until the canonical form fits
	canonical, err := json.Marshal(&bounded)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	for len(canonical) > m.opts.MaxBytes && len(bounded.MemorySnapshot) > 0 {
		bounded.MemorySnapshot = bounded.MemorySnapshot[1:]
		if canonical, err = json.Marshal(&bounded); err != nil {
			return nil, nil, fmt.Errorf("marshal snapshot: %w", err)
		}
	}
	if len(canonical) > m.opts.MaxBytes {
		return nil, nil, fmt.Errorf("snapshot of %d bytes exceeds cap %d", len(canonical), m.opts.MaxBytes)
	}

	signed, err := m.signer.Sign(&bounded)
	if err != nil {
		return nil, nil, err
	}

	info := &ExportInfo{
		StateSize:    len(signed.State),
		MessageCount: len(bounded.MemorySnapshot),
		CurrentStep:  bounded.CurrentStep,
	}
	m.log.Debug("exported session state",
		zap.String("session_id", bounded.SessionID),
		zap.Int("state_size", info.StateSize),
		zap.Int("message_count", info.MessageCount))
	return signed, info, nil
}

// Verify checks a signed envelope and returns the embedded snapshot.
func (m *Manager) Verify(signed *protocol.SignedState) (*Snapshot, *protocol.WireError) {
	snap, werr := m.signer.Verify(signed)
	if werr != nil {
		m.log.Warn("state verification failed",
			zap.String("error_kind", werr.Kind),
			zap.String("reason", werr.Message))
		return nil, werr
	}
	return snap, nil
}
