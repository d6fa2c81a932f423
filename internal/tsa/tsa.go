package tsa

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/digitorus/timestamp"
)

// Authority issues RFC 3161 timestamp tokens over document hashes, giving a
// notarized record a provable signing time independent of the ledger clock.
type Authority struct {
	cert          *x509.Certificate
	key           crypto.Signer
	serialCounter uint64
}

// NewAuthority creates an authority from an existing certificate and key.
func NewAuthority(cert *x509.Certificate, key crypto.Signer) *Authority {
	return &Authority{
		cert:          cert,
		key:           key,
		serialCounter: uint64(time.Now().UnixNano()),
	}
}

// NewAuthorityWithGeneratedCert creates an authority backed by a fresh
// self-signed certificate. For development; production deployments load a
// certificate issued by the coordination CA.
func NewAuthorityWithGeneratedCert(orgName string) (*Authority, error) {
	key, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial number: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization:       []string{orgName},
			OrganizationalUnit: []string{"Time Stamping Authority"},
			CommonName:         fmt.Sprintf("%s TSA", orgName),
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageTimeStamping},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	return NewAuthority(cert, key), nil
}

// Token is an issued timestamp.
type Token struct {
	SerialNumber  uint64    `json:"serial_number"`
	Timestamp     time.Time `json:"timestamp"`
	HashedMessage string    `json:"hashed_message"`
	Token         []byte    `json:"token"`
	Issuer        string    `json:"issuer"`
}

// StampHash issues a token over a hex-encoded SHA-256 hash.
func (a *Authority) StampHash(ctx context.Context, hashHex string) (*Token, error) {
	hashBytes, err := hex.DecodeString(hashHex)
	if err != nil {
		return nil, fmt.Errorf("invalid hash hex: %w", err)
	}
	return a.stamp(hashBytes)
}

func (a *Authority) stamp(dataHash []byte) (*Token, error) {
	if a.cert == nil || a.key == nil {
		return nil, fmt.Errorf("authority certificate or key not configured")
	}

	serial := atomic.AddUint64(&a.serialCounter, 1)
	now := time.Now().UTC()

	token, err := a.createToken(dataHash, now, serial)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp token: %w", err)
	}

	return &Token{
		SerialNumber:  serial,
		Timestamp:     now,
		HashedMessage: hex.EncodeToString(dataHash),
		Token:         token,
		Issuer:        a.cert.Subject.CommonName,
	}, nil
}

// VerifyResult is the outcome of token verification.
type VerifyResult struct {
	Valid        bool      `json:"valid"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
	SerialNumber uint64    `json:"serial_number,omitempty"`
}

// Verify checks a token against the hash it was issued for.
func (a *Authority) Verify(ctx context.Context, token, originalHash []byte) (*VerifyResult, error) {
	ts, err := timestamp.Parse(token)
	if err != nil {
		return &VerifyResult{
			Valid:   false,
			Message: fmt.Sprintf("failed to parse timestamp token: %v", err),
		}, nil
	}

	if !hashesEqual(ts.HashedMessage, originalHash) {
		return &VerifyResult{
			Valid:   false,
			Message: "hash mismatch: timestamp was issued for different data",
		}, nil
	}

	return &VerifyResult{
		Valid:        true,
		Message:      "timestamp verified",
		Timestamp:    ts.Time,
		SerialNumber: ts.SerialNumber.Uint64(),
	}, nil
}

// Certificate returns the authority's certificate.
func (a *Authority) Certificate() *x509.Certificate {
	return a.cert
}

func (a *Authority) createToken(hashedMessage []byte, now time.Time, serial uint64) ([]byte, error) {
	tsInfo := tstInfo{
		Version: 1,
		Policy:  asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 57264, 2, 1},
		MessageImprint: messageImprint{
			HashAlgorithm: pkix.AlgorithmIdentifier{
				Algorithm: asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}, // SHA-256
			},
			HashedMessage: hashedMessage,
		},
		SerialNumber: big.NewInt(int64(serial)),
		GenTime:      now,
		Accuracy:     accuracy{Seconds: 1},
	}

	tstInfoDER, err := asn1.Marshal(tsInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal TSTInfo: %w", err)
	}

	digest := sha256.Sum256(tstInfoDER)
	sig, err := a.key.Sign(rand.Reader, digest[:], crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to sign timestamp: %w", err)
	}

	return asn1.Marshal(signedToken{
		TSTInfo:     tstInfoDER,
		Signature:   sig,
		Certificate: a.cert.Raw,
	})
}

func hashesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ASN.1 structures for RFC 3161

type tstInfo struct {
	Version        int
	Policy         asn1.ObjectIdentifier
	MessageImprint messageImprint
	SerialNumber   *big.Int
	GenTime        time.Time
	Accuracy       accuracy `asn1:"optional"`
	Ordering       bool     `asn1:"optional,default:false"`
	Nonce          *big.Int `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm pkix.AlgorithmIdentifier
	HashedMessage []byte
}

type accuracy struct {
	Seconds int `asn1:"optional"`
	Millis  int `asn1:"optional,tag:0"`
	Micros  int `asn1:"optional,tag:1"`
}

type signedToken struct {
	TSTInfo     []byte
	Signature   []byte
	Certificate []byte `asn1:"optional"`
}
