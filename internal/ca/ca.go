// Package ca issues the TLS certificates that secure the check-in listener:
// a self-signed CA per site, a server certificate for the HTTP check-in
// endpoint, and client certificates so enrolled endpoints can authenticate
// with mTLS instead of a bearer token. HIPAA 164.312(e)(1) (transmission
// security) is the control this satisfies.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// EndpointCA manages a CA keypair and issues per-endpoint TLS certificates
// for managed devices enrolling with the appliance's check-in listener.
type EndpointCA struct {
	Dir    string
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
}

// New creates an EndpointCA rooted at dir.
func New(dir string) *EndpointCA {
	return &EndpointCA{Dir: dir}
}

func (c *EndpointCA) caCertPath() string     { return filepath.Join(c.Dir, "ca.crt") }
func (c *EndpointCA) caKeyPath() string      { return filepath.Join(c.Dir, "ca.key") }
func (c *EndpointCA) serverCertPath() string { return filepath.Join(c.Dir, "server.crt") }
func (c *EndpointCA) serverKeyPath() string  { return filepath.Join(c.Dir, "server.key") }

// EnsureCA generates a CA cert/key if none is present, or loads the existing
// pair from disk.
func (c *EndpointCA) EnsureCA() error {
	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}

	if c.loadExisting() == nil {
		return nil
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Sentinel Health IT"},
			CommonName:   "Sentinel Appliance CA",
		},
		NotBefore:             now,
		NotAfter:              now.Add(10 * 365 * 24 * time.Hour),
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("create CA cert: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	if err := os.WriteFile(c.caKeyPath(), keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(c.caCertPath(), certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	c.caCert = cert
	c.caKey = key
	return nil
}

func (c *EndpointCA) loadExisting() error {
	certPEM, err := os.ReadFile(c.caCertPath())
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(c.caKeyPath())
	if err != nil {
		return err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("no PEM block in CA cert")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("no PEM block in CA key")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("parse CA key: %w", err)
	}

	c.caCert = cert
	c.caKey = key
	return nil
}

// IssueEndpointCert issues a client certificate an enrolling endpoint
// presents on subsequent check-ins. Returns (cert_pem, key_pem, ca_cert_pem).
func (c *EndpointCA) IssueEndpointCert(hostname, endpointID string) (certPEM, keyPEM, caPEM []byte, err error) {
	if c.caCert == nil || c.caKey == nil {
		return nil, nil, nil, fmt.Errorf("CA not initialized — call EnsureCA() first")
	}

	endpointKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("generate endpoint key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}

	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Sentinel Health IT"},
			CommonName:   fmt.Sprintf("endpoint-%s", hostname),
		},
		NotBefore:   now,
		NotAfter:    now.Add(365 * 24 * time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		DNSNames:    []string{hostname},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.caCert, &endpointKey.PublicKey, c.caKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("sign endpoint cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(endpointKey)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal endpoint key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
	caPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.caCert.Raw})

	return certPEM, keyPEM, caPEM, nil
}

// GenerateServerCert generates (or returns, if still valid for >30 days) the
// server certificate for the appliance's check-in listener.
func (c *EndpointCA) GenerateServerCert(applianceIP string) (certPEM, keyPEM []byte, err error) {
	if c.caCert == nil || c.caKey == nil {
		return nil, nil, fmt.Errorf("CA not initialized — call EnsureCA() first")
	}

	if existingCert, existingKey, ok := c.loadExistingServerCert(); ok {
		return existingCert, existingKey, nil
	}

	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate server key: %w", err)
	}

	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}

	ip := net.ParseIP(applianceIP)
	now := time.Now().UTC()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Sentinel Health IT"},
			CommonName:   "Sentinel Appliance Check-in",
		},
		NotBefore:   now,
		NotAfter:    now.Add(365 * 24 * time.Hour),
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses: []net.IP{ip},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.caCert, &serverKey.PublicKey, c.caKey)
	if err != nil {
		return nil, nil, fmt.Errorf("sign server cert: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyBytes, err := x509.MarshalECPrivateKey(serverKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal server key: %w", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	_ = os.WriteFile(c.serverCertPath(), certPEM, 0o644)
	_ = os.WriteFile(c.serverKeyPath(), keyPEM, 0o600)

	return certPEM, keyPEM, nil
}

// CACertPEM returns the CA certificate as PEM bytes, for distributing to
// endpoints that need to verify the check-in listener's server certificate.
func (c *EndpointCA) CACertPEM() ([]byte, error) {
	if c.caCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.caCert.Raw}), nil
}

// CACertPool returns an x509.CertPool containing just the CA certificate,
// suitable for tls.Config.ClientCAs.
func (c *EndpointCA) CACertPool() (*x509.CertPool, error) {
	if c.caCert == nil {
		return nil, fmt.Errorf("CA not initialized")
	}
	pool := x509.NewCertPool()
	pool.AddCert(c.caCert)
	return pool, nil
}

func (c *EndpointCA) loadExistingServerCert() (certPEM, keyPEM []byte, ok bool) {
	certData, err := os.ReadFile(c.serverCertPath())
	if err != nil {
		return nil, nil, false
	}
	keyData, err := os.ReadFile(c.serverKeyPath())
	if err != nil {
		return nil, nil, false
	}

	block, _ := pem.Decode(certData)
	if block == nil {
		return nil, nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, false
	}

	remaining := time.Until(cert.NotAfter)
	if remaining > 30*24*time.Hour {
		return certData, keyData, true
	}
	return nil, nil, false
}

func randomSerial() (*big.Int, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
