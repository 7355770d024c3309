package evidence

import (
	"archive/zip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atp/router/internal/metrics"
)

// writeZip builds an archive with the entries in the given order.
func writeZip(t *testing.T, path string, entries [][2]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, e := range entries {
		w, err := zw.Create(e[0])
		require.NoError(t, err)
		_, err = w.Write([]byte(e[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
}

func TestPackHashOrderIndependent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.zip")
	b := filepath.Join(dir, "b.zip")

	writeZip(t, a, [][2]string{{"f1", "alpha"}, {"f2", "beta"}})
	writeZip(t, b, [][2]string{{"f2", "beta"}, {"f1", "alpha"}})

	ha, err := CalculatePackHash(a)
	require.NoError(t, err)
	hb, err := CalculatePackHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestPackHashSensitiveToSingleByte(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.zip")
	b := filepath.Join(dir, "b.zip")

	writeZip(t, a, [][2]string{{"f1", "alpha"}, {"f2", "beta"}})
	writeZip(t, b, [][2]string{{"f1", "alpha"}, {"f2", "betb"}})

	ha, _ := CalculatePackHash(a)
	hb, _ := CalculatePackHash(b)
	assert.NotEqual(t, ha, hb)
}

func TestEmptyPackHashIsZeroLengthDigest(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.zip")
	writeZip(t, empty, nil)

	h, err := CalculatePackHash(empty)
	require.NoError(t, err)

	sum := sha256.Sum256(nil)
	assert.Equal(t, hex.EncodeToString(sum[:]), h)
}

func TestSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"report.json", `{"ok":true}`}})

	s, err := NewSigner("k1", metrics.NewRegistry())
	require.NoError(t, err)

	info, err := s.SignPack(pack, nil)
	require.NoError(t, err)
	assert.Equal(t, SignatureAlgorithm, info.Algorithm)
	assert.Equal(t, "k1", info.KeyID)
	assert.NotEmpty(t, info.Metadata["pack_hash"])

	assert.True(t, s.VerifySignature(pack, info))
}

func TestVerifyFailsAfterTamper(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"f1", "original"}})

	s, err := NewSigner("k1", nil)
	require.NoError(t, err)
	info, err := s.SignPack(pack, nil)
	require.NoError(t, err)

	writeZip(t, pack, [][2]string{{"f1", "tampered"}})
	assert.False(t, s.VerifySignature(pack, info))
}

func TestNotarizeAndVerify(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"f1", "one"}, {"f2", "two"}})

	n, err := NewNotary("atp-notary", nil, metrics.NewRegistry())
	require.NoError(t, err)

	record, err := n.NotarizePack(pack, "pack-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "atp-notary", record.NotaryID)
	assert.Len(t, record.CertificateChain, 1)
	assert.Contains(t, record.CertificateChain[0], "BEGIN PUBLIC KEY")

	res := n.VerifyNotarization(pack, record)
	assert.True(t, res.Valid)
	assert.True(t, res.SignatureValid)
	assert.True(t, res.HashValid)
	assert.True(t, res.NotaryValid)
	assert.Empty(t, res.Errors)
}

func TestNotarizationDetectsTamper(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"f1", "one"}, {"f2", "two"}})

	n, err := NewNotary("atp-notary", nil, nil)
	require.NoError(t, err)
	record, err := n.NotarizePack(pack, "pack-1", nil, nil)
	require.NoError(t, err)

	writeZip(t, pack, [][2]string{{"f1", "one"}, {"f2", "TWO"}})

	res := n.VerifyNotarization(pack, record)
	assert.False(t, res.Valid)
	assert.False(t, res.HashValid)
	assert.False(t, res.SignatureValid)
	assert.True(t, res.NotaryValid)
	assert.NotEmpty(t, res.Errors)
}

func TestNotaryIDMismatch(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"f1", "one"}})

	n, err := NewNotary("notary-a", nil, nil)
	require.NoError(t, err)
	record, err := n.NotarizePack(pack, "p", nil, nil)
	require.NoError(t, err)
	record.NotaryID = "notary-b"

	res := n.VerifyNotarization(pack, record)
	assert.False(t, res.NotaryValid)
	assert.False(t, res.Valid)
}

func TestRecordRoundTrip(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"f1", "one"}})

	n, err := NewNotary("atp-notary", nil, nil)
	require.NoError(t, err)
	record, err := n.NotarizePack(pack, "p1", nil, map[string]interface{}{"case": "42"})
	require.NoError(t, err)

	path := filepath.Join(dir, "record.json")
	require.NoError(t, n.SaveRecord(record, path))

	loaded, err := n.LoadRecord(path)
	require.NoError(t, err)
	assert.Equal(t, record.PackID, loaded.PackID)
	assert.Equal(t, record.EvidenceHash, loaded.EvidenceHash)
	assert.Equal(t, record.SignatureInfo.Signature, loaded.SignatureInfo.Signature)

	// a loaded record still verifies
	assert.True(t, n.VerifyNotarization(pack, loaded).Valid)
}

func TestManagerPersistsRecords(t *testing.T) {
	dir := t.TempDir()
	pack := filepath.Join(dir, "pack.zip")
	writeZip(t, pack, [][2]string{{"f1", "one"}})

	m, err := NewManager("atp-notary", metrics.NewRegistry())
	require.NoError(t, err)

	outDir := filepath.Join(dir, "records")
	record, recordPath, err := m.SignAndNotarize(pack, "pack-9", outDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(outDir, "pack-9_notarization.json"), recordPath)

	data, err := os.ReadFile(recordPath)
	require.NoError(t, err)
	var onDisk NotarizationRecord
	require.NoError(t, json.Unmarshal(data, &onDisk))
	assert.Equal(t, record.EvidenceHash, onDisk.EvidenceHash)

	assert.Equal(t, []string{"pack-9"}, m.ListSignedPacks())
	assert.NotNil(t, m.SignatureInfoFor("pack-9"))

	res, err := m.VerifyPackIntegrity(pack, "pack-9")
	require.NoError(t, err)
	assert.True(t, res.Valid)

	_, err = m.VerifyPackIntegrity(pack, "unknown")
	assert.Error(t, err)
}
