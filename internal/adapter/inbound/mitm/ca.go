package mitm

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// CAConfig locates the interception root CA on disk.
type CAConfig struct {
	CertFile      string
	KeyFile       string
	Organization  string
	ValidityYears int
}

// CAManager owns the root CA that signs per-domain leaf certificates. On
// first start it generates a keypair and persists it; later starts reload
// the same CA so containers that already trust it keep working. Having only
// one of the two files on disk is an error rather than a silent regenerate.
type CAManager struct {
	caCert *x509.Certificate
	caKey  *ecdsa.PrivateKey
	logger *slog.Logger
}

// NewCAManager loads or creates the root CA.
func NewCAManager(cfg CAConfig, logger *slog.Logger) (*CAManager, error) {
	certExists := fileExists(cfg.CertFile)
	keyExists := fileExists(cfg.KeyFile)

	if certExists != keyExists {
		return nil, fmt.Errorf("inconsistent CA state: cert exists=%v, key exists=%v", certExists, keyExists)
	}

	cm := &CAManager{logger: logger}
	if certExists {
		if err := cm.load(cfg); err != nil {
			return nil, err
		}
		logger.Info("loaded interception CA", "cert", cfg.CertFile)
		return cm, nil
	}

	if err := cm.generate(cfg); err != nil {
		return nil, err
	}
	logger.Info("generated interception CA", "cert", cfg.CertFile, "org", cfg.Organization)
	return cm, nil
}

// GenerateCert mints a leaf certificate for domain signed by the CA. The
// returned certificate carries the full chain and a parsed Leaf.
func (cm *CAManager) GenerateCert(domain string) (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour * 90),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(domain); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{domain}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, cm.caCert, &key.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("sign leaf for %s: %w", domain, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse leaf for %s: %w", domain, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, cm.caCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// CACertPEM returns the CA certificate PEM for distribution to the session
// containers' trust stores.
func (cm *CAManager) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caCert.Raw})
}

func (cm *CAManager) load(cfg CAConfig) error {
	pair, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("load CA keypair: %w", err)
	}
	cert, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}
	key, ok := pair.PrivateKey.(*ecdsa.PrivateKey)
	if !ok {
		return fmt.Errorf("CA key is %T, expected ECDSA", pair.PrivateKey)
	}
	cm.caCert = cert
	cm.caKey = key
	return nil
}

func (cm *CAManager) generate(cfg CAConfig) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate CA key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return fmt.Errorf("generate CA serial: %w", err)
	}

	years := cfg.ValidityYears
	if years <= 0 {
		years = 5
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{cfg.Organization}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().AddDate(years, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("self-sign CA: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("parse CA cert: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.CertFile), 0o700); err != nil {
		return fmt.Errorf("create CA dir: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if err := os.WriteFile(cfg.CertFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("write CA cert: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("marshal CA key: %w", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(cfg.KeyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("write CA key: %w", err)
	}

	cm.caCert = cert
	cm.caKey = key
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
