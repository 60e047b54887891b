package forensics

import "path/filepath"

// Interception CA layout on the forensics volume. The proxy mints and
// persists its CA keypair here; the orchestrator reads the certificate from
// the same path when injecting trust into session containers.
const (
	caDirName      = "ca"
	CACertFileName = "ca-cert.pem"
	CAKeyFileName  = "ca-key.pem"
)

// CADir returns the CA directory under the forensics root.
func CADir(dir string) string {
	return filepath.Join(dir, caDirName)
}

// CACertPath returns the CA certificate path under the forensics root.
func CACertPath(dir string) string {
	return filepath.Join(CADir(dir), CACertFileName)
}

// CAKeyPath returns the CA private key path under the forensics root.
func CAKeyPath(dir string) string {
	return filepath.Join(CADir(dir), CAKeyFileName)
}
