// Package ca provides Root CA persistence and per-host leaf issuance for
// TLS interception.
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

const (
	// KeySize is the RSA key size for the Root CA.
	KeySize = 2048

	// ValidityYears is the Root CA certificate lifetime, capped at the
	// spec's 10-year ceiling.
	ValidityYears = 10

	// CertFileName is the Root CA certificate's on-disk name under storage_path.
	CertFileName = "cheddar_proxy_ca.pem"

	// KeyFileName is the Root CA private key's on-disk name under storage_path.
	KeyFileName = "cheddar_proxy_ca.key"
)

// CA represents the locally generated Root Certificate Authority used to
// sign forged per-host leaf certificates.
type CA struct {
	cert    *x509.Certificate
	key     *rsa.PrivateKey
	certPEM []byte
	keyPEM  []byte
	crlDER  []byte
	crlURL  string
}

// LoadOrCreateCA loads an existing Root CA from dir, or generates and
// persists a new one if none exists.
func LoadOrCreateCA(dir string) (*CA, error) {
	certPath := filepath.Join(dir, CertFileName)
	keyPath := filepath.Join(dir, KeyFileName)

	if ca, err := loadCA(certPath, keyPath); err == nil {
		return ca, nil
	}

	ca, err := createCA()
	if err != nil {
		return nil, fmt.Errorf("creating CA: %w", err)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}

	// The certificate is meant to be distributed to clients for trust
	// installation, so it is world-readable; the key is not.
	if err := os.WriteFile(certPath, ca.certPEM, 0644); err != nil {
		return nil, fmt.Errorf("writing CA cert: %w", err)
	}
	if err := writeSecureFile(keyPath, ca.keyPEM); err != nil {
		return nil, fmt.Errorf("writing CA key: %w", err)
	}

	return ca, nil
}

func loadCA(certPath, keyPath string) (*CA, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, err
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA private key PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing CA private key: %w", err)
	}

	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

// createCA generates a fresh Root CA whose Common Name embeds the local
// hostname and the generation date, matching the original implementation's
// operator-facing identification convention.
func createCA() (*CA, error) {
	key, err := rsa.GenerateKey(rand.Reader, KeySize)
	if err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}

	serialNumber, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial number: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}
	commonName := fmt.Sprintf("Cheddar Proxy CA (%s, %s)", hostname, time.Now().UTC().Format("2006-01-02"))

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Cheddar Proxy"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(ValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("creating certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("parsing created certificate: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	return &CA{cert: cert, key: key, certPEM: certPEM, keyPEM: keyPEM}, nil
}

// generateRandomSerial returns a cryptographically random 128-bit serial,
// avoiding predictable timestamp-derived serials.
func generateRandomSerial() (*big.Int, error) {
	max := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, max)
	if err != nil {
		return nil, err
	}
	serial.Add(serial, big.NewInt(1))
	return serial, nil
}

// CertPEM returns the Root CA certificate in PEM format, for user installation.
func (ca *CA) CertPEM() []byte {
	return ca.certPEM
}

// Certificate returns the parsed Root CA certificate.
func (ca *CA) Certificate() *x509.Certificate {
	return ca.cert
}

// CRLDER returns the CRL in DER format, or nil if none has been generated.
func (ca *CA) CRLDER() []byte {
	return ca.crlDER
}

// CRLURL returns the URL at which the CRL is being served.
func (ca *CA) CRLURL() string {
	return ca.crlURL
}

// SetCRLURL records the CRL distribution point and (re)generates the CRL.
// Must be called before leaf issuance for clients (notably Windows) that
// check CRL distribution points.
func (ca *CA) SetCRLURL(url string) error {
	ca.crlURL = url
	return ca.generateCRL()
}

func (ca *CA) generateCRL() error {
	template := &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now(),
		NextUpdate: time.Now().AddDate(0, 0, 30),
	}
	crlDER, err := x509.CreateRevocationList(rand.Reader, template, ca.cert, ca.key)
	if err != nil {
		return fmt.Errorf("creating CRL: %w", err)
	}
	ca.crlDER = crlDER
	return nil
}

// writeSecureFile writes data to path restricted to the owning user.
func writeSecureFile(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0600); err != nil {
		return err
	}
	if runtime.GOOS == "windows" {
		// os.WriteFile's 0600 already denies non-owner access on NTFS for
		// files created under the user's profile; no further ACL work here.
		_ = path
	}
	return nil
}
