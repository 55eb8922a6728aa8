package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

const (
	// CertKeySize is the RSA key size for generated leaf certificates.
	CertKeySize = 2048

	// CertValidityYears is the leaf certificate lifetime, capped at the
	// spec's 3-year ceiling.
	CertValidityYears = 3

	// DefaultMaxCacheSize is the default LRU cache capacity for leaf
	// certificates/server configs.
	DefaultMaxCacheSize = 256
)

// CertCache is an LRU cache of per-host leaf certificates signed by the
// Root CA, keyed by lowercase hostname.
type CertCache struct {
	ca      *CA
	maxSize int
	mu      sync.Mutex
	cache   map[string]*cacheEntry
	order   []string // LRU order (oldest first)
}

type cacheEntry struct {
	cert      *tls.Certificate
	createdAt time.Time
}

// NewCertCache creates a leaf certificate cache backed by ca, holding at
// most maxSize entries (DefaultMaxCacheSize if maxSize <= 0).
func NewCertCache(ca *CA, maxSize int) *CertCache {
	if maxSize <= 0 {
		maxSize = DefaultMaxCacheSize
	}
	return &CertCache{
		ca:      ca,
		maxSize: maxSize,
		cache:   make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
	}
}

// GetCertificate implements tls.Config.GetCertificate: it returns a leaf
// certificate for the ClientHello's SNI, forging and caching one on first
// use. When no SNI is present it falls back to the connection's local
// address.
func (c *CertCache) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		if addr, ok := hello.Conn.LocalAddr().(*net.TCPAddr); ok {
			host = addr.IP.String()
		} else {
			return nil, fmt.Errorf("no server name in ClientHello")
		}
	}
	return c.CertificateForHost(host)
}

// CertificateForHost returns (generating and caching if necessary) a leaf
// certificate for host.
func (c *CertCache) CertificateForHost(host string) (*tls.Certificate, error) {
	key := strings.ToLower(host)

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.cache[key]; ok {
		c.moveToEnd(key)
		return entry.cert, nil
	}

	cert, err := c.generateCert(key)
	if err != nil {
		return nil, fmt.Errorf("generating certificate for %s: %w", key, err)
	}

	if len(c.cache) >= c.maxSize {
		c.evictOldest()
	}

	c.cache[key] = &cacheEntry{cert: cert, createdAt: time.Now()}
	c.order = append(c.order, key)

	return cert, nil
}

// generateCert forges a leaf certificate for host, signed by the Root CA,
// with a 1-hour backdated not-before to tolerate clock skew between the
// client and this host.
func (c *CertCache) generateCert(host string) (*tls.Certificate, error) {
	key, err := rsa.GenerateKey(rand.Reader, CertKeySize)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}

	serial, err := generateRandomSerial()
	if err != nil {
		return nil, fmt.Errorf("generating serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{"Cheddar Proxy Intercepted"},
		},
		NotBefore:             time.Now().Add(-1 * time.Hour),
		NotAfter:              time.Now().AddDate(CertValidityYears, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if crlURL := c.ca.CRLURL(); crlURL != "" {
		template.CRLDistributionPoints = []string{crlURL}
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, c.ca.cert, &key.PublicKey, c.ca.key)
	if err != nil {
		return nil, fmt.Errorf("signing certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER, c.ca.cert.Raw},
		PrivateKey:  key,
	}, nil
}

func (c *CertCache) moveToEnd(host string) {
	for i, h := range c.order {
		if h == host {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, host)
}

func (c *CertCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.cache, oldest)
}

// Size returns the current number of cached leaf certificates.
func (c *CertCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// Clear empties the cache.
func (c *CertCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cacheEntry)
	c.order = make([]string, 0, c.maxSize)
}

// ServerTLSConfig builds a *tls.Config for an intercepted connection,
// advertising ALPN h2 and http/1.1 per spec §4.4. The certificate itself is
// resolved lazily per handshake via GetCertificate, from the client's SNI
// (or the connection's local address when SNI is absent).
func (c *CertCache) ServerTLSConfig() *tls.Config {
	return &tls.Config{
		GetCertificate: c.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}
