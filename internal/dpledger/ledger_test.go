package dpledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/metrics"
)

func newLedger(t *testing.T, maxEpsilon float64) *Ledger {
	t.Helper()
	l, err := New(t.TempDir(), maxEpsilon, metrics.NewRegistry())
	require.NoError(t, err)
	return l
}

func TestHashChainLinks(t *testing.T) {
	l := newLedger(t, 10)

	for i := 0; i < 3; i++ {
		ok, err := l.AddEntry("t1", "query", 1.5, 0.1, 1.0, nil)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	entries, err := l.readEntries()
	require.NoError(t, err)
	require.Len(t, entries, 3)

	assert.Equal(t, GenesisHash, entries[0].PreviousHash)
	for i := 1; i < len(entries); i++ {
		assert.Equal(t, entries[i-1].ComputeHash(), entries[i].PreviousHash)
	}
	for i := range entries {
		assert.Equal(t, entries[i].ComputeHash(), entries[i].EntryHash)
		assert.Equal(t, i+1, entries[i].SequenceNumber)
	}
}

func TestEntryIDFormat(t *testing.T) {
	l := newLedger(t, 10)
	_, err := l.AddEntry("acme", "noise", 0.5, 0.2, 1.0, nil)
	require.NoError(t, err)

	entries, _ := l.readEntries()
	assert.Equal(t, "dp_acme_00000001", entries[0].EntryID)
}

func TestBudgetEnforcement(t *testing.T) {
	l := newLedger(t, 2.0)

	ok, _ := l.AddEntry("T", "q", 1, 0.8, 1, nil)
	assert.True(t, ok)
	ok, _ = l.AddEntry("T", "q", 1, 0.8, 1, nil)
	assert.True(t, ok)

	// third entry would total 2.1 > 2.0
	ok, _ = l.AddEntry("T", "q", 1, 0.5, 1, nil)
	assert.False(t, ok)

	assert.Equal(t, 2, l.Sequence(), "sequence unchanged after rejection")

	res := l.VerifyIntegrity()
	assert.True(t, res.Valid)
	assert.Equal(t, 2, res.EntriesChecked)
}

func TestZeroEpsilonEntryConsumesNoBudget(t *testing.T) {
	l := newLedger(t, 1.0)
	ok, _ := l.AddEntry("T", "q", 1, 0, 1, nil)
	assert.True(t, ok)
	assert.Equal(t, 0.0, l.GetBudgetStatus("T").EpsilonUsed)
	assert.Equal(t, 1, l.Sequence())
}

func TestBudgetStatus(t *testing.T) {
	l := newLedger(t, 2.0)
	l.AddEntry("T", "q", 1, 0.5, 1, nil)

	st := l.GetBudgetStatus("T")
	assert.InDelta(t, 0.5, st.EpsilonUsed, 1e-9)
	assert.InDelta(t, 1.5, st.EpsilonRemaining, 1e-9)
	assert.InDelta(t, 0.25, st.UtilizationRate, 1e-9)
	assert.Equal(t, 2.0, st.EpsilonLimit)
}

func TestRecoveryAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	l1, err := New(dir, 2.0, nil)
	require.NoError(t, err)
	l1.AddEntry("T", "q", 1, 0.8, 1, nil)
	l1.AddEntry("T", "q", 1, 0.8, 1, nil)

	l2, err := New(dir, 2.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, l2.Sequence())
	assert.InDelta(t, 1.6, l2.GetBudgetStatus("T").EpsilonUsed, 1e-9)

	// budget survives the restart: a third 0.5 entry is still rejected
	ok, _ := l2.AddEntry("T", "q", 1, 0.5, 1, nil)
	assert.False(t, ok)

	// the chain continues from the recovered last hash
	ok, _ = l2.AddEntry("T2", "q", 1, 0.1, 1, nil)
	assert.True(t, ok)
	assert.True(t, l2.VerifyIntegrity().Valid)
}

func TestCorruptFileResetsToGenesis(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ledger.jsonl"), []byte("{not json\n"), 0o644))

	l, err := New(dir, 2.0, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Sequence())
}

func TestTamperDetected(t *testing.T) {
	dir := t.TempDir()
	l, err := New(dir, 10, nil)
	require.NoError(t, err)
	l.AddEntry("T", "q", 1.0, 0.1, 1, nil)
	l.AddEntry("T", "q", 2.0, 0.1, 1, nil)

	path := filepath.Join(dir, "ledger.jsonl")
	data, _ := os.ReadFile(path)
	tampered := strings.Replace(string(data), `"dp_value":1`, `"dp_value":9`, 1)
	require.NoError(t, os.WriteFile(path, []byte(tampered), 0o644))

	res := l.VerifyIntegrity()
	assert.False(t, res.Valid)
	assert.GreaterOrEqual(t, res.CorruptEntries, 1)
}

func TestHashCanonicalizationRounding(t *testing.T) {
	a := Entry{
		EntryID: "e", TenantID: "t", EventType: "q", Timestamp: "2026-01-01T00:00:00Z",
		DpValue: 0.1234564999, EpsilonUsed: 0.1, Sensitivity: 1,
		SequenceNumber: 1, PreviousHash: GenesisHash,
	}
	b := a
	b.DpValue = 0.1234561 // rounds to the same 6 decimal places

	assert.Equal(t, a.ComputeHash(), b.ComputeHash())

	c := a
	c.DpValue = 0.123456
	assert.Equal(t, a.ComputeHash(), c.ComputeHash())

	d := a
	d.DpValue = 0.123458
	assert.NotEqual(t, a.ComputeHash(), d.ComputeHash())
}

func TestMetadataKeyOrderIrrelevant(t *testing.T) {
	a := Entry{
		EntryID: "e", TenantID: "t", EventType: "q", Timestamp: "2026-01-01T00:00:00Z",
		DpValue: 1, EpsilonUsed: 0.1, Sensitivity: 1, SequenceNumber: 1, PreviousHash: GenesisHash,
		Metadata: map[string]interface{}{"b": "2", "a": "1"},
	}
	// maps marshal with sorted keys, so construction order cannot matter;
	// check a serialize/parse round trip hashes identically
	data, err := json.Marshal(a)
	require.NoError(t, err)
	var back Entry
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, a.ComputeHash(), back.ComputeHash())
}

func TestExportJSONEnvelope(t *testing.T) {
	l := newLedger(t, 10)
	l.AddEntry("T", "q", 1, 0.1, 1, nil)

	path, err := l.ExportJSON()
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var envelope JSONExport
	require.NoError(t, json.Unmarshal(data, &envelope))
	assert.Equal(t, 1, envelope.TotalEntries)
	assert.True(t, envelope.LedgerIntegrity.Valid)
	require.Len(t, envelope.Entries, 1)
	assert.Equal(t, "dp_T_00000001", envelope.Entries[0].EntryID)
}

func TestExportNDJSON(t *testing.T) {
	l := newLedger(t, 10)
	l.AddEntry("T", "q", 1, 0.1, 1, nil)

	path, err := l.ExportNDJSON()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(strings.TrimSpace(string(data)), "\n")+1)
}
