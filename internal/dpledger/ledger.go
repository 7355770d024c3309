// Package dpledger is the tamper-evident differential-privacy ledger:
// an append-only NDJSON hash chain with per-tenant epsilon budgeting.
package dpledger

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/atp/router/internal/metrics"
)

// GenesisHash is the previous-hash of the first entry: 64 zero nibbles.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is one ledger record. Timestamp is kept as the serialized string so
// the hash is stable across load/store round trips.
type Entry struct {
	EntryID        string                 `json:"entry_id"`
	TenantID       string                 `json:"tenant_id"`
	EventType      string                 `json:"event_type"`
	Timestamp      string                 `json:"timestamp"`
	DpValue        float64                `json:"dp_value"`
	EpsilonUsed    float64                `json:"epsilon_used"`
	Sensitivity    float64                `json:"sensitivity"`
	SequenceNumber int                    `json:"sequence_number"`
	PreviousHash   string                 `json:"previous_hash"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	EntryHash      string                 `json:"entry_hash,omitempty"`
}

func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ComputeHash returns the SHA-256 of the canonical form: compact JSON with
// sorted keys, floats rounded to 6 decimal places, entry_hash excluded.
// encoding/json sorts map keys, which gives the determinism the chain needs.
func (e *Entry) ComputeHash() string {
	canonical := map[string]interface{}{
		"entry_id":        e.EntryID,
		"tenant_id":       e.TenantID,
		"event_type":      e.EventType,
		"timestamp":       e.Timestamp,
		"dp_value":        round6(e.DpValue),
		"epsilon_used":    round6(e.EpsilonUsed),
		"sensitivity":     round6(e.Sensitivity),
		"sequence_number": e.SequenceNumber,
		"previous_hash":   e.PreviousHash,
	}
	if len(e.Metadata) > 0 {
		canonical["metadata"] = e.Metadata
	}
	data, err := json.Marshal(canonical)
	if err != nil {
		// canonical holds only JSON-safe values; this cannot fire for
		// entries built by AddEntry
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IntegrityResult reports a verification walk over the chain.
type IntegrityResult struct {
	Valid          bool   `json:"valid"`
	EntriesChecked int    `json:"entries_checked"`
	CorruptEntries int    `json:"corrupt_entries"`
	Error          string `json:"error,omitempty"`
}

// BudgetStatus reports per-tenant epsilon consumption.
type BudgetStatus struct {
	TenantID         string  `json:"tenant_id"`
	EpsilonUsed      float64 `json:"epsilon_used"`
	EpsilonRemaining float64 `json:"epsilon_remaining"`
	EpsilonLimit     float64 `json:"epsilon_limit"`
	UtilizationRate  float64 `json:"utilization_rate"`
}

// Ledger is the exporter. Appends serialize around the (sequence, last hash,
// epsilon map) critical section; readers tolerate a moving tail.
type Ledger struct {
	dir        string
	maxEpsilon float64

	mu           sync.Mutex
	epsilonUsage map[string]float64
	sequence     int
	lastHash     string

	metrics *metrics.Registry
	logger  *log.Logger
}

// New opens (or creates) a ledger directory and recovers state from
// ledger.jsonl. A corrupt file resets state to genesis with a loud log line;
// the file itself is preserved for forensics.
func New(dir string, maxEpsilonPerTenant float64, reg *metrics.Registry) (*Ledger, error) {
	if maxEpsilonPerTenant <= 0 {
		maxEpsilonPerTenant = 2.0
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	l := &Ledger{
		dir:          dir,
		maxEpsilon:   maxEpsilonPerTenant,
		epsilonUsage: make(map[string]float64),
		lastHash:     GenesisHash,
		metrics:      reg,
		logger:       log.New(log.Writer(), "[DP-LEDGER] ", log.LstdFlags),
	}
	l.loadState()
	return l, nil
}

func (l *Ledger) ledgerFile() string {
	return filepath.Join(l.dir, "ledger.jsonl")
}

func (l *Ledger) loadState() {
	f, err := os.Open(l.ledgerFile())
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var (
		usage    = make(map[string]float64)
		sequence int
		lastHash = GenesisHash
	)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			l.logger.Printf("CORRUPT LEDGER at %s, resetting to genesis state: %v", l.ledgerFile(), err)
			l.sequence = 0
			l.lastHash = GenesisHash
			l.epsilonUsage = make(map[string]float64)
			return
		}
		usage[entry.TenantID] += entry.EpsilonUsed
		sequence = entry.SequenceNumber
		if entry.EntryHash != "" {
			lastHash = entry.EntryHash
		}
	}
	if err := scanner.Err(); err != nil {
		l.logger.Printf("CORRUPT LEDGER at %s, resetting to genesis state: %v", l.ledgerFile(), err)
		return
	}

	l.epsilonUsage = usage
	l.sequence = sequence
	l.lastHash = lastHash
	if sequence > 0 {
		l.logger.Printf("loaded ledger state: %d entries, last hash %s...", sequence, lastHash[:16])
	}
}

// AddEntry appends a DP event iff the tenant's epsilon budget allows it.
// Returns false (and increments dp_ledger_budget_exceeded_total) on budget
// rejection; the sequence and chain state are untouched in that case.
func (l *Ledger) AddEntry(tenantID, eventType string, dpValue, epsilonUsed, sensitivity float64, metadata map[string]interface{}) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.epsilonUsage[tenantID]
	if current+epsilonUsed > l.maxEpsilon {
		l.logger.Printf("privacy budget exceeded for tenant %s: current=%.3f requested=%.3f limit=%.3f",
			tenantID, current, epsilonUsed, l.maxEpsilon)
		if l.metrics != nil {
			l.metrics.IncCounter("dp_ledger_budget_exceeded_total", nil)
		}
		return false, nil
	}

	seq := l.sequence + 1
	entry := Entry{
		EntryID:        fmt.Sprintf("dp_%s_%08d", tenantID, seq),
		TenantID:       tenantID,
		EventType:      eventType,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
		DpValue:        dpValue,
		EpsilonUsed:    epsilonUsed,
		Sensitivity:    sensitivity,
		SequenceNumber: seq,
		PreviousHash:   l.lastHash,
		Metadata:       metadata,
	}
	entry.EntryHash = entry.ComputeHash()

	if err := l.append(&entry); err != nil {
		return false, err
	}

	l.sequence = seq
	l.lastHash = entry.EntryHash
	l.epsilonUsage[tenantID] = current + epsilonUsed

	if l.metrics != nil {
		l.metrics.IncCounter("dp_ledger_entries_total", nil)
	}
	return true, nil
}

func (l *Ledger) append(entry *Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	f, err := os.OpenFile(l.ledgerFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	return nil
}

// readEntries loads all entries; used by verification and export.
func (l *Ledger) readEntries() ([]Entry, error) {
	f, err := os.Open(l.ledgerFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// VerifyIntegrity walks the chain checking both the previous-hash links and
// each stored entry hash against a recomputation.
func (l *Ledger) VerifyIntegrity() IntegrityResult {
	entries, err := l.readEntries()
	if err != nil {
		return IntegrityResult{
			Valid:          false,
			EntriesChecked: len(entries),
			Error:          err.Error(),
		}
	}

	corrupt := 0
	expected := GenesisHash
	for i := range entries {
		entry := &entries[i]
		if entry.PreviousHash != expected {
			corrupt++
			l.logger.Printf("hash chain broken at entry %s", entry.EntryID)
		}
		computed := entry.ComputeHash()
		if computed != entry.EntryHash {
			corrupt++
			l.logger.Printf("hash mismatch at entry %s", entry.EntryID)
		}
		expected = entry.EntryHash
		if expected == "" {
			expected = computed
		}
	}

	return IntegrityResult{
		Valid:          corrupt == 0,
		EntriesChecked: len(entries),
		CorruptEntries: corrupt,
	}
}

// ExportNDJSON copies the ledger into a timestamped export file and returns
// its path.
func (l *Ledger) ExportNDJSON() (string, error) {
	out := filepath.Join(l.dir, fmt.Sprintf("ledger_export_%s.jsonl", time.Now().Format("20060102_150405")))
	data, err := os.ReadFile(l.ledgerFile())
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", err
	}
	if l.metrics != nil {
		l.metrics.IncCounter("dp_ledger_exports_total", nil)
	}
	return out, nil
}

// JSONExport is the envelope written by ExportJSON.
type JSONExport struct {
	ExportTimestamp string          `json:"export_timestamp"`
	TotalEntries    int             `json:"total_entries"`
	LedgerIntegrity IntegrityResult `json:"ledger_integrity"`
	Entries         []Entry         `json:"entries"`
}

// ExportJSON writes the envelope format and returns its path.
func (l *Ledger) ExportJSON() (string, error) {
	entries, err := l.readEntries()
	if err != nil {
		return "", err
	}
	if entries == nil {
		entries = []Entry{}
	}
	envelope := JSONExport{
		ExportTimestamp: time.Now().UTC().Format(time.RFC3339Nano),
		TotalEntries:    len(entries),
		LedgerIntegrity: l.VerifyIntegrity(),
		Entries:         entries,
	}
	data, err := json.MarshalIndent(envelope, "", "  ")
	if err != nil {
		return "", err
	}
	out := filepath.Join(l.dir, fmt.Sprintf("ledger_export_%s.json", time.Now().Format("20060102_150405")))
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", err
	}
	if l.metrics != nil {
		l.metrics.IncCounter("dp_ledger_exports_total", nil)
	}
	return out, nil
}

// GetBudgetStatus reports a tenant's epsilon budget.
func (l *Ledger) GetBudgetStatus(tenantID string) BudgetStatus {
	l.mu.Lock()
	used := l.epsilonUsage[tenantID]
	limit := l.maxEpsilon
	l.mu.Unlock()

	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	utilization := 0.0
	if limit > 0 {
		utilization = used / limit
	}
	return BudgetStatus{
		TenantID:         tenantID,
		EpsilonUsed:      used,
		EpsilonRemaining: remaining,
		EpsilonLimit:     limit,
		UtilizationRate:  utilization,
	}
}

// Stats summarizes the ledger for the ops endpoint.
func (l *Ledger) Stats() map[string]interface{} {
	integrity := l.VerifyIntegrity()

	l.mu.Lock()
	defer l.mu.Unlock()
	total := 0.0
	for _, v := range l.epsilonUsage {
		total += v
	}
	return map[string]interface{}{
		"total_entries":      l.sequence,
		"ledger_integrity":   integrity,
		"active_tenants":     len(l.epsilonUsage),
		"total_epsilon_used": total,
		"last_hash":          l.lastHash,
	}
}

// Sequence returns the current sequence number.
func (l *Ledger) Sequence() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence
}
