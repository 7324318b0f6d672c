// =============================================================================
// TLS CONFIGURATION - TRANSPORT SECURITY FOR STORE AND ADMIN TRAFFIC
// =============================================================================
//
// A node has two TLS-capable connections, and one TLSConfig shape for each:
//
//   ┌──────────────┐   client TLS (mTLS)    ┌──────────────┐
//   │     node     │ ─────────────────────► │  etcd nodes  │
//   │              │   ClientTLS()          └──────────────┘
//   │   admin API  │ ◄───────────────────── operators, searchcoord-cli
//   └──────────────┘   server TLS
//                      ServerTLS()
//
// For the store the certificate is optional (etcd may only check the CA);
// for the admin listener it is required, or generated when GenerateSelfSigned
// is set. CAFile means "trust this CA" for a client and "verify clients
// against this CA" for a server.
//
// =============================================================================

package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrNoCertificate is returned by ServerTLS when TLS is on without a
// certificate source.
var ErrNoCertificate = errors.New("tls enabled but no certificate provided")

// TLSConfig describes one side of a TLS connection.
type TLSConfig struct {
	Enabled bool `yaml:"enabled"`

	// CertFile and KeyFile are a PEM key pair.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// CAFile is a PEM bundle of trusted CAs.
	CAFile string `yaml:"ca_file"`

	// ClientAuth applies to servers: none, request, require, verify or
	// require-verify.
	ClientAuth string `yaml:"client_auth"`

	// MinVersion is "1.2" or "1.3".
	MinVersion string `yaml:"min_version"`

	// InsecureSkipVerify disables certificate verification (testing only).
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// ServerName overrides the name checked against the server certificate.
	ServerName string `yaml:"server_name"`

	// GenerateSelfSigned lets a server without a key pair make one.
	GenerateSelfSigned bool `yaml:"generate_self_signed"`

	// CertDir receives generated certificates when set.
	CertDir string `yaml:"cert_dir"`
}

var clientAuthModes = map[string]tls.ClientAuthType{
	"":               tls.NoClientCert,
	"none":           tls.NoClientCert,
	"request":        tls.RequestClientCert,
	"require":        tls.RequireAnyClientCert,
	"verify":         tls.VerifyClientCertIfGiven,
	"require-verify": tls.RequireAndVerifyClientCert,
}

// Validate checks the settings without touching the filesystem.
func (c TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("cert_file and key_file must be set together")
	}
	if _, ok := clientAuthModes[strings.ToLower(c.ClientAuth)]; !ok {
		return fmt.Errorf("unknown client_auth %q", c.ClientAuth)
	}
	switch c.MinVersion {
	case "", "1.2", "1.3":
	default:
		return fmt.Errorf("unsupported min_version %q (use 1.2 or 1.3)", c.MinVersion)
	}
	return nil
}

// ClientTLS builds the config for dialing a TLS server, or nil when TLS is
// off.
func (c TLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := c.base()
	cfg.InsecureSkipVerify = c.InsecureSkipVerify
	cfg.ServerName = c.ServerName

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

// ServerTLS builds the config for a TLS listener, or nil when TLS is off.
func (c TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	cfg := c.base()
	cfg.ClientAuth = clientAuthModes[strings.ToLower(c.ClientAuth)]

	var cert tls.Certificate
	var err error
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate: %w", err)
		}
	case c.GenerateSelfSigned:
		cert, err = c.generateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed cert: %w", err)
		}
	default:
		return nil, ErrNoCertificate
	}
	cfg.Certificates = []tls.Certificate{cert}

	if c.CAFile != "" {
		pool, err := loadCAPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
	}
	return cfg, nil
}

// base floors the version at TLS 1.2.
func (c TLSConfig) base() *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if c.MinVersion == "1.3" {
		cfg.MinVersion = tls.VersionTLS13
	}
	return cfg
}

func loadCAPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to parse CA cert %s", path)
	}
	return pool, nil
}

// generateSelfSignedCert makes an ECDSA P-256 certificate valid for a year
// for localhost and the machine's hostname.
func (c TLSConfig) generateSelfSignedCert() (tls.Certificate, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial number: %w", err)
	}

	dnsNames := []string{"localhost"}
	if host, err := os.Hostname(); err == nil && host != "" {
		dnsNames = append(dnsNames, host)
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"searchcoord development"},
			CommonName:   "searchcoord",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		DNSNames:              dnsNames,
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to marshal private key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if c.CertDir != "" {
		if err := os.MkdirAll(c.CertDir, 0o700); err == nil {
			_ = os.WriteFile(filepath.Join(c.CertDir, "server.crt"), certPEM, 0o600)
			_ = os.WriteFile(filepath.Join(c.CertDir, "server.key"), keyPEM, 0o600)
		}
	}

	return tls.X509KeyPair(certPEM, keyPEM)
}
