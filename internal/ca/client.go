package ca

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
)

// Identity is the result of a successful register+enroll round trip: the key
// pair never leaves this process, only the CSR travels to the authority.
type Identity struct {
	EnrollmentID   string
	CertificatePEM string
	PrivateKeyPEM  string
	MSPID          string
	SerialNumber   string
	NotBefore      time.Time
	NotAfter       time.Time
}

// Client talks to one organization's certificate authority.
type Client struct {
	org        org.Organization
	httpClient *http.Client
}

// NewClient creates a CA client for one organization.
func NewClient(o org.Organization) *Client {
	transport := &http.Transport{}
	if o.TLSCACert != "" {
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM([]byte(o.TLSCACert))
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}

	return &Client{
		org: o,
		httpClient: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

// Organization returns the trust domain this client serves.
func (c *Client) Organization() org.Organization {
	return c.org
}

type registerRequest struct {
	EnrollmentID string `json:"enrollment_id"`
	Affiliation  string `json:"affiliation"`
	Role         string `json:"role"`
}

type registerResponse struct {
	Secret string `json:"secret"`
}

type enrollRequest struct {
	EnrollmentID string `json:"enrollment_id"`
	Secret       string `json:"secret"`
	CSR          string `json:"csr"`
}

type enrollResponse struct {
	CertificatePEM string `json:"certificate"`
	EnrollmentID   string `json:"enrollment_id"`
}

type revokeRequest struct {
	EnrollmentID string `json:"enrollment_id"`
	Reason       string `json:"reason"`
}

// ErrAlreadyRegistered is reported when the authority refuses a duplicate
// enrollment identifier. The lifecycle manager retries once with a
// collision-breaking suffix.
var ErrAlreadyRegistered = fmt.Errorf("enrollment id already registered")

// Register registers an enrollment identifier with the authority and returns
// the enrollment secret.
func (c *Client) Register(ctx context.Context, enrollmentID, role string) (string, error) {
	var resp registerResponse
	err := c.post(ctx, "/api/v1/identities", registerRequest{
		EnrollmentID: enrollmentID,
		Affiliation:  c.org.Affiliation,
		Role:         role,
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.Secret, nil
}

// Enroll generates a fresh ECDSA P-256 key pair, submits a CSR under the
// registered identifier, and returns the issued identity.
func (c *Client) Enroll(ctx context.Context, enrollmentID, secret string) (*Identity, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:         enrollmentID,
			Organization:       []string{c.org.Name},
			OrganizationalUnit: []string{"client"},
		},
	}, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create CSR: %w", err)
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})

	var resp enrollResponse
	err = c.post(ctx, "/api/v1/enroll", enrollRequest{
		EnrollmentID: enrollmentID,
		Secret:       secret,
		CSR:          string(csrPEM),
	}, &resp)
	if err != nil {
		return nil, err
	}

	cert, err := parseCertificatePEM(resp.CertificatePEM)
	if err != nil {
		return nil, fmt.Errorf("authority returned unparseable certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	return &Identity{
		EnrollmentID:   resp.EnrollmentID,
		CertificatePEM: resp.CertificatePEM,
		PrivateKeyPEM:  string(keyPEM),
		MSPID:          c.org.MSPID,
		SerialNumber:   cert.SerialNumber.Text(16),
		NotBefore:      cert.NotBefore,
		NotAfter:       cert.NotAfter,
	}, nil
}

// Revoke revokes an enrollment identifier at the authority.
func (c *Client) Revoke(ctx context.Context, enrollmentID, reason string) error {
	return c.post(ctx, "/api/v1/revoke", revokeRequest{
		EnrollmentID: enrollmentID,
		Reason:       reason,
	}, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.org.CAURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Unavailable(fmt.Sprintf("certificate authority %s unreachable", c.org.Name), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Unavailable("failed to read authority response", err)
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		return ErrAlreadyRegistered
	case resp.StatusCode >= 500:
		return errors.Unavailable(fmt.Sprintf("authority %s returned %d", c.org.Name, resp.StatusCode), nil)
	case resp.StatusCode >= 400:
		msg := strings.TrimSpace(string(respBody))
		if strings.Contains(strings.ToLower(msg), "already registered") {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("authority %s rejected request: %d %s", c.org.Name, resp.StatusCode, msg)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse authority response: %w", err)
	}
	return nil
}

func parseCertificatePEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
