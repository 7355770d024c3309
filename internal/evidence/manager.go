package evidence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/atp/router/internal/metrics"
)

// Manager aggregates signatures and notarization records by pack id, and
// persists records under an output directory.
type Manager struct {
	notary *Notary

	mu            sync.RWMutex
	signatures    map[string]*SignatureInfo
	notarizations map[string]*NotarizationRecord
}

// NewManager builds a manager with its own notary.
func NewManager(notaryID string, reg *metrics.Registry) (*Manager, error) {
	notary, err := NewNotary(notaryID, nil, reg)
	if err != nil {
		return nil, err
	}
	return &Manager{
		notary:        notary,
		signatures:    make(map[string]*SignatureInfo),
		notarizations: make(map[string]*NotarizationRecord),
	}, nil
}

// SignAndNotarize notarizes a pack and writes <pack_id>_notarization.json
// under outputDir. Returns the saved record.
func (m *Manager) SignAndNotarize(packPath, packID, outputDir string) (*NotarizationRecord, string, error) {
	if outputDir == "" {
		outputDir = "./evidence_packs"
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create output dir: %w", err)
	}

	record, err := m.notary.NotarizePack(packPath, packID, nil, nil)
	if err != nil {
		return nil, "", err
	}

	recordPath := filepath.Join(outputDir, packID+"_notarization.json")
	if err := m.notary.SaveRecord(record, recordPath); err != nil {
		return nil, "", err
	}

	m.mu.Lock()
	m.signatures[packID] = record.SignatureInfo
	m.notarizations[packID] = record
	m.mu.Unlock()

	return record, recordPath, nil
}

// VerifyPackIntegrity verifies a previously notarized pack.
func (m *Manager) VerifyPackIntegrity(packPath, packID string) (VerificationResult, error) {
	m.mu.RLock()
	record, ok := m.notarizations[packID]
	m.mu.RUnlock()
	if !ok {
		return VerificationResult{}, fmt.Errorf("no notarization record found for pack %s", packID)
	}
	return m.notary.VerifyNotarization(packPath, record), nil
}

// SignatureInfoFor returns the stored signature for a pack, or nil.
func (m *Manager) SignatureInfoFor(packID string) *SignatureInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.signatures[packID]
}

// NotarizationFor returns the stored record for a pack, or nil.
func (m *Manager) NotarizationFor(packID string) *NotarizationRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.notarizations[packID]
}

// ListSignedPacks returns all signed pack ids, sorted.
func (m *Manager) ListSignedPacks() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.signatures))
	for id := range m.signatures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
