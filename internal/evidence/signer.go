package evidence

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/atp/router/internal/metrics"
)

// SignatureAlgorithm is the only algorithm the signer emits.
const SignatureAlgorithm = "RSASSA-PSS-SHA256"

// SignatureInfo is the signature artifact attached to a pack.
type SignatureInfo struct {
	Algorithm  string                 `json:"algorithm"`
	KeyID      string                 `json:"key_id"`
	Signature  string                 `json:"signature"` // base64, standard alphabet, padded
	Timestamp  time.Time              `json:"timestamp"`
	SignerInfo map[string]interface{} `json:"signer_info,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// Signer holds an RSA-2048 key pair and signs pack hashes with RSASSA-PSS
// (MGF1-SHA256, salt length = digest length).
type Signer struct {
	keyID      string
	privateKey *rsa.PrivateKey
	metrics    *metrics.Registry
	logger     *log.Logger
}

// NewSigner generates a fresh 2048-bit key pair.
func NewSigner(keyID string, reg *metrics.Registry) (*Signer, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return newSignerWithKey(keyID, key, reg), nil
}

// NewSignerFromKeyFile loads a PEM-encoded private key.
func NewSignerFromKeyFile(keyID, keyPath string, reg *metrics.Registry) (*Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	var key *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		var parsed interface{}
		parsed, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			key, ok = parsed.(*rsa.PrivateKey)
			if !ok {
				err = fmt.Errorf("not an RSA key")
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("parse key file: %w", err)
	}
	return newSignerWithKey(keyID, key, reg), nil
}

func newSignerWithKey(keyID string, key *rsa.PrivateKey, reg *metrics.Registry) *Signer {
	if keyID == "" {
		keyID = "default"
	}
	return &Signer{
		keyID:      keyID,
		privateKey: key,
		metrics:    reg,
		logger:     log.New(log.Writer(), "[EVIDENCE] ", log.LstdFlags),
	}
}

var pssOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}

// SignPack hashes the pack and signs the hex hash string.
func (s *Signer) SignPack(packPath string, signerInfo map[string]interface{}) (*SignatureInfo, error) {
	packHash, err := CalculatePackHash(packPath)
	if err != nil {
		return nil, err
	}

	digest := sha256.Sum256([]byte(packHash))
	sig, err := rsa.SignPSS(rand.Reader, s.privateKey, crypto.SHA256, digest[:], pssOpts)
	if err != nil {
		return nil, fmt.Errorf("sign pack: %w", err)
	}

	if signerInfo == nil {
		signerInfo = map[string]interface{}{"signer": "ATP Router Service"}
	}
	info := &SignatureInfo{
		Algorithm:  SignatureAlgorithm,
		KeyID:      s.keyID,
		Signature:  base64.StdEncoding.EncodeToString(sig),
		Timestamp:  time.Now().UTC(),
		SignerInfo: signerInfo,
		Metadata:   map[string]interface{}{"pack_hash": packHash},
	}

	if s.metrics != nil {
		s.metrics.IncCounter("evidence_pack_signatures_total", nil)
	}
	s.logger.Printf("signed pack %s with key %s", packPath, s.keyID)
	return info, nil
}

// VerifySignature recomputes the pack hash and verifies the signature.
// A failure of any kind counts as tamper detection.
func (s *Signer) VerifySignature(packPath string, info *SignatureInfo) bool {
	ok := func() bool {
		packHash, err := CalculatePackHash(packPath)
		if err != nil {
			return false
		}
		sig, err := base64.StdEncoding.DecodeString(info.Signature)
		if err != nil {
			return false
		}
		digest := sha256.Sum256([]byte(packHash))
		return rsa.VerifyPSS(&s.privateKey.PublicKey, crypto.SHA256, digest[:], sig, pssOpts) == nil
	}()

	if s.metrics != nil {
		if ok {
			s.metrics.IncCounter("evidence_pack_signature_verifications_total", nil)
		} else {
			s.metrics.IncCounter("evidence_pack_tamper_detected_total", nil)
		}
	}
	return ok
}

// PublicKeyPEM returns the public key as SubjectPublicKeyInfo PEM.
func (s *Signer) PublicKeyPEM() (string, error) {
	der, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}
