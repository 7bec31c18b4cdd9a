package transport

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pkcs12"
)

// ErrUnknownCipher is returned for a cipher suite name Go does not implement.
var ErrUnknownCipher = errors.New("unknown cipher suite")

// TLSOptions configures the client side of a secure session.
type TLSOptions struct {
	// KeyStorePath is a PKCS#12 file holding the client certificate and key
	// and the certificates to trust. Empty uses the system roots only.
	KeyStorePath     string
	KeyStorePassword string
	// Ciphers accepts OpenSSL names (ECDHE-RSA-AES128-GCM-SHA256) and IANA
	// names (TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256).
	Ciphers            []string
	ServerName         string
	InsecureSkipVerify bool
}

// OpenSSL spellings used by the shared config file
var opensslCiphers = map[string]string{
	"ECDHE-RSA-AES128-GCM-SHA256":   "TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-RSA-AES256-GCM-SHA384":   "TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256": "TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384": "TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384",
	"ECDHE-RSA-CHACHA20-POLY1305":   "TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305": "TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256",
	"ECDHE-RSA-AES128-SHA256":       "TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256",
	"AES128-GCM-SHA256":             "TLS_RSA_WITH_AES_128_GCM_SHA256",
	"AES256-GCM-SHA384":             "TLS_RSA_WITH_AES_256_GCM_SHA384",
}

// CipherSuites resolves names to suite ids. TLS 1.3 suites resolve but are
// not configurable in Go and are always enabled.
func CipherSuites(names []string) ([]uint16, error) {
	known := make(map[string]uint16)
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}

	ids := make([]uint16, 0, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		if alias, ok := opensslCiphers[name]; ok {
			name = alias
		}
		id, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCipher, name)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// NewTLSConfig builds the client TLS configuration.
func NewTLSConfig(opts TLSOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify,
	}

	if len(opts.Ciphers) > 0 {
		suites, err := CipherSuites(opts.Ciphers)
		if err != nil {
			return nil, err
		}
		cfg.CipherSuites = suites
	}

	if opts.KeyStorePath != "" {
		data, err := os.ReadFile(opts.KeyStorePath)
		if err != nil {
			return nil, fmt.Errorf("read key store: %w", err)
		}
		if err := loadKeyStore(cfg, data, opts.KeyStorePassword); err != nil {
			return nil, fmt.Errorf("load key store %s: %w", opts.KeyStorePath, err)
		}
	}

	return cfg, nil
}

// loadKeyStore installs the client certificate of a PKCS#12 bundle and
// trusts every certificate it contains on top of the system roots.
func loadKeyStore(cfg *tls.Config, data []byte, password string) error {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return err
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		roots = x509.NewCertPool()
	}

	var certPEM, keyPEM []byte
	for _, block := range blocks {
		encoded := pem.EncodeToMemory(block)
		switch block.Type {
		case "CERTIFICATE":
			certPEM = append(certPEM, encoded...)
			roots.AppendCertsFromPEM(encoded)
		case "PRIVATE KEY":
			keyPEM = append(keyPEM, encoded...)
		}
	}
	cfg.RootCAs = roots

	if len(keyPEM) > 0 && len(certPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return fmt.Errorf("client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return nil
}
