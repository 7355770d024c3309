package evidence

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/atp/router/internal/metrics"
)

// NotarizationRecord binds a pack hash, its signature, and the notary
// identity into one persisted artifact.
type NotarizationRecord struct {
	PackID           string                 `json:"pack_id"`
	NotaryID         string                 `json:"notary_id"`
	Timestamp        time.Time              `json:"timestamp"`
	EvidenceHash     string                 `json:"evidence_hash"`
	SignatureInfo    *SignatureInfo         `json:"signature_info"`
	CertificateChain []string               `json:"certificate_chain"`
	NotaryStatement  string                 `json:"notary_statement"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
}

// VerificationResult reports a notarization check. Valid requires all three
// sub-checks to pass.
type VerificationResult struct {
	Valid          bool     `json:"valid"`
	SignatureValid bool     `json:"signature_valid"`
	HashValid      bool     `json:"hash_valid"`
	NotaryValid    bool     `json:"notary_valid"`
	Errors         []string `json:"errors"`
}

// Notary signs packs under a fixed identity with a certificate chain.
type Notary struct {
	notaryID string
	signer   *Signer
	metrics  *metrics.Registry
	logger   *log.Logger
}

// NewNotary wraps a signer with an identity. A nil signer gets a fresh key
// pair keyed "<notaryID>-signer".
func NewNotary(notaryID string, signer *Signer, reg *metrics.Registry) (*Notary, error) {
	if notaryID == "" {
		notaryID = "atp-notary"
	}
	if signer == nil {
		var err error
		signer, err = NewSigner(notaryID+"-signer", reg)
		if err != nil {
			return nil, err
		}
	}
	return &Notary{
		notaryID: notaryID,
		signer:   signer,
		metrics:  reg,
		logger:   log.New(log.Writer(), "[NOTARY] ", log.LstdFlags),
	}, nil
}

// NotarizePack signs the pack and wraps the signature in a record. A nil
// chain defaults to the signer's public key PEM.
func (n *Notary) NotarizePack(packPath, packID string, certificateChain []string, metadata map[string]interface{}) (*NotarizationRecord, error) {
	sigInfo, err := n.signer.SignPack(packPath, map[string]interface{}{"notary": n.notaryID})
	if err != nil {
		return nil, err
	}

	evidenceHash, _ := sigInfo.Metadata["pack_hash"].(string)

	if certificateChain == nil {
		pubPEM, err := n.signer.PublicKeyPEM()
		if err != nil {
			return nil, err
		}
		certificateChain = []string{pubPEM}
	}

	now := time.Now().UTC()
	record := &NotarizationRecord{
		PackID:           packID,
		NotaryID:         n.notaryID,
		Timestamp:        now,
		EvidenceHash:     evidenceHash,
		SignatureInfo:    sigInfo,
		CertificateChain: certificateChain,
		NotaryStatement: fmt.Sprintf(
			"This evidence pack (%s) has been notarized by %s on %s. The pack contains compliance evidence and has been cryptographically signed to ensure integrity.",
			packID, n.notaryID, now.Format(time.RFC3339)),
		Metadata: metadata,
	}

	if n.metrics != nil {
		n.metrics.IncCounter("evidence_pack_notarizations_total", nil)
	}
	n.logger.Printf("notarized pack %s", packID)
	return record, nil
}

// SaveRecord writes a record as indented JSON.
func (n *Notary) SaveRecord(record *NotarizationRecord, outputPath string) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return os.WriteFile(outputPath, data, 0o644)
}

// LoadRecord reads a record back from disk.
func (n *Notary) LoadRecord(recordPath string) (*NotarizationRecord, error) {
	data, err := os.ReadFile(recordPath)
	if err != nil {
		return nil, err
	}
	var record NotarizationRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", recordPath, err)
	}
	return &record, nil
}

// VerifyNotarization checks notary identity, pack hash, and signature.
func (n *Notary) VerifyNotarization(packPath string, record *NotarizationRecord) VerificationResult {
	result := VerificationResult{Errors: []string{}}

	if record.NotaryID != n.notaryID {
		result.Errors = append(result.Errors,
			fmt.Sprintf("Notary ID mismatch: expected %s, got %s", n.notaryID, record.NotaryID))
	} else {
		result.NotaryValid = true
	}

	currentHash, err := CalculatePackHash(packPath)
	if err != nil {
		result.Errors = append(result.Errors, "Verification error: "+err.Error())
		return result
	}
	if currentHash != record.EvidenceHash {
		result.Errors = append(result.Errors, "Evidence hash mismatch - pack may have been tampered with")
		if n.metrics != nil {
			n.metrics.IncCounter("evidence_pack_tamper_detected_total", nil)
		}
	} else {
		result.HashValid = true
	}

	if record.SignatureInfo != nil && n.signer.VerifySignature(packPath, record.SignatureInfo) {
		result.SignatureValid = true
	} else {
		result.Errors = append(result.Errors, "Signature verification failed")
	}

	result.Valid = result.NotaryValid && result.HashValid && result.SignatureValid
	return result
}
