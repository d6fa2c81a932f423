package ledger

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/org"
	"github.com/Edu4rdoCarlos/student-ledger-api-sub000/internal/shared/errors"
)

const (
	writeTimeout = 30 * time.Second
	readTimeout  = 10 * time.Second
)

// Identity is the client-side keypair a channel authenticates with. The peer
// only endorses calls from certificates its trust domain issued.
type Identity struct {
	CertificatePEM string
	PrivateKeyPEM  string
}

// Channel is a short-lived connection to one organization's peer. Every
// invocation opens a fresh mTLS session and tears it down afterwards, so a
// broken connection never outlives the call that hit it.
type Channel struct {
	org      org.Organization
	identity Identity
}

// NewChannel creates a channel bound to an organization's trust domain,
// authenticating as the given identity.
func NewChannel(o org.Organization, id Identity) *Channel {
	return &Channel{org: o, identity: id}
}

// Organization returns the trust domain the channel operates in.
func (c *Channel) Organization() org.Organization {
	return c.org
}

type invokeRequest struct {
	Channel   string   `json:"channel"`
	Chaincode string   `json:"chaincode"`
	Function  string   `json:"function"`
	Args      []string `json:"args"`
	MSPID     string   `json:"msp_id"`
}

type invokeResponse struct {
	TransactionID string          `json:"transaction_id"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error,omitempty"`
}

// Submit sends a state-changing transaction through the peer and waits for
// commit. Write operations get the long timeout profile.
func (c *Channel) Submit(ctx context.Context, function string, args []string, out any) (string, error) {
	return c.call(ctx, "/api/v1/transactions", function, args, out, writeTimeout)
}

// Evaluate runs a read-only query against the peer's current state.
func (c *Channel) Evaluate(ctx context.Context, function string, args []string, out any) (string, error) {
	return c.call(ctx, "/api/v1/queries", function, args, out, readTimeout)
}

func (c *Channel) call(ctx context.Context, path, function string, args []string, out any, timeout time.Duration) (string, error) {
	body, err := json.Marshal(invokeRequest{
		Channel:   c.org.Channel,
		Chaincode: c.org.Chaincode,
		Function:  function,
		Args:      args,
		MSPID:     c.org.MSPID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal transaction: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.org.PeerURL+path, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client, err := c.client(timeout)
	if err != nil {
		return "", err
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Unavailable(fmt.Sprintf("peer %s unreachable", c.org.Name), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", errors.Unavailable(fmt.Sprintf("peer %s response unreadable", c.org.Name), err)
	}

	if resp.StatusCode >= 500 {
		return "", errors.Unavailable(
			fmt.Sprintf("peer %s returned %d", c.org.Name, resp.StatusCode),
			fmt.Errorf("%s", string(respBody)),
		)
	}

	var result invokeResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("invalid peer response: %w", err)
	}

	// A chaincode-level error is a business rejection, not an outage.
	if resp.StatusCode >= 400 || result.Error != "" {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("peer %s rejected transaction (%d)", c.org.Name, resp.StatusCode)
		}
		return "", errors.Conflict(msg)
	}

	if out != nil && len(result.Payload) > 0 {
		if err := json.Unmarshal(result.Payload, out); err != nil {
			return "", fmt.Errorf("invalid transaction payload: %w", err)
		}
	}

	return result.TransactionID, nil
}

// client builds a one-shot HTTP client with the organization's TLS root and
// the acting identity's certificate for the mutual handshake.
func (c *Channel) client(timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		DisableKeepAlives: true,
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	configured := false

	if c.org.TLSCACert != "" {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM([]byte(c.org.TLSCACert)) {
			return nil, fmt.Errorf("invalid TLS CA certificate for organization %s", c.org.Name)
		}
		tlsConfig.RootCAs = pool
		configured = true
	}

	if c.identity.CertificatePEM != "" && c.identity.PrivateKeyPEM != "" {
		pair, err := tls.X509KeyPair([]byte(c.identity.CertificatePEM), []byte(c.identity.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("invalid client identity for organization %s: %w", c.org.Name, err)
		}
		tlsConfig.Certificates = []tls.Certificate{pair}
		configured = true
	}

	if configured {
		transport.TLSClientConfig = tlsConfig
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}
