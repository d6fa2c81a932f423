package signature

import (
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/certificate"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/metrics"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/types"
)

// CombinedHashSeparator joins the two per-file content hashes so that one
// signature binds to both halves of the defense document.
const CombinedHashSeparator = ":"

// CombinedHash joins the document hash and annex hash into the single string
// every approval signs.
func CombinedHash(fileHash, annexHash string) string {
	return fileHash + CombinedHashSeparator + annexHash
}

// CertificateNotFound is the error kind for signing without an identity.
// Sign never regenerates a certificate implicitly.
func certificateNotFound(key string) error {
	return errors.DependencyMissing(fmt.Sprintf("no active certificate for %s", key))
}

// Certificates is the slice of the lifecycle manager the service depends on.
type Certificates interface {
	GetActive(ctx context.Context, key certificate.Key) (*certificate.Record, error)
}

// Service signs document hashes with a participant's active certificate and
// verifies signatures against stored certificates.
type Service struct {
	certs Certificates
}

// NewService creates a signature service
func NewService(certs Certificates) *Service {
	return &Service{certs: certs}
}

// Sign produces a base64 ECDSA signature over the SHA-256 digest of hash,
// using the active certificate for (userID, approvalID).
func (s *Service) Sign(ctx context.Context, hash string, userID types.ID, approvalID *types.ID) (string, error) {
	key := certificate.Key{UserID: userID, ApprovalID: approvalID}

	rec, err := s.certs.GetActive(ctx, key)
	if err != nil {
		return "", err
	}
	if rec == nil {
		metrics.RecordSignatureOperation("sign", false)
		return "", certificateNotFound(key.String())
	}

	priv, err := parsePrivateKey(rec.PrivateKeyPEM)
	if err != nil {
		metrics.RecordSignatureOperation("sign", false)
		return "", fmt.Errorf("stored private key unusable: %w", err)
	}

	digest := sha256.Sum256([]byte(hash))
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		metrics.RecordSignatureOperation("sign", false)
		return "", fmt.Errorf("failed to sign digest: %w", err)
	}

	metrics.RecordSignatureOperation("sign", true)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify checks a base64 signature over hash against the public key in the
// active certificate for userID's persistent or per-approval identity.
func (s *Service) Verify(ctx context.Context, hash, encodedSig string, userID types.ID, approvalID *types.ID) (bool, error) {
	key := certificate.Key{UserID: userID, ApprovalID: approvalID}

	rec, err := s.certs.GetActive(ctx, key)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, certificateNotFound(key.String())
	}

	ok, err := VerifyWithCertificate(hash, encodedSig, rec.CertificatePEM)
	metrics.RecordSignatureOperation("verify", err == nil && ok)
	return ok, err
}

// VerifyWithCertificate checks a base64 signature over hash against an
// arbitrary stored certificate, independent of the lifecycle manager. The
// notarization gateway uses it to validate bundle entries.
func VerifyWithCertificate(hash, encodedSig, certPEM string) (bool, error) {
	sig, err := base64.StdEncoding.DecodeString(encodedSig)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}

	pub, err := parsePublicKey(certPEM)
	if err != nil {
		return false, err
	}

	digest := sha256.Sum256([]byte(hash))
	return ecdsa.VerifyASN1(pub, digest[:], sig), nil
}

func parsePrivateKey(keyPEM string) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(keyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func parsePublicKey(certPEM string) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}

	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate does not carry an ECDSA key")
	}
	return pub, nil
}
