package mitm

import (
	"crypto/tls"
	"log/slog"
	"sync"
	"time"
)

type cacheEntry struct {
	cert      *tls.Certificate
	expiresAt time.Time
}

// CertCache caches per-domain leaf certificates minted by the CAManager.
// Read lock on the hit path, write lock with a double-check on the miss
// path: the target domain set is tiny and regeneration is cheap, but
// stampeding the signer on every handshake is not.
type CertCache struct {
	mu     sync.RWMutex
	certs  map[string]*cacheEntry
	ca     *CAManager
	ttl    time.Duration
	logger *slog.Logger
}

// NewCertCache creates a cache backed by ca. Entries expire after ttl.
func NewCertCache(ca *CAManager, ttl time.Duration, logger *slog.Logger) *CertCache {
	return &CertCache{
		certs:  make(map[string]*cacheEntry),
		ca:     ca,
		ttl:    ttl,
		logger: logger,
	}
}

// GetCert returns a leaf certificate for domain, minting one on miss.
func (cc *CertCache) GetCert(domain string) (*tls.Certificate, error) {
	cc.mu.RLock()
	entry, ok := cc.certs[domain]
	if ok && time.Now().Before(entry.expiresAt) {
		cc.mu.RUnlock()
		return entry.cert, nil
	}
	cc.mu.RUnlock()

	cc.mu.Lock()
	defer cc.mu.Unlock()

	entry, ok = cc.certs[domain]
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.cert, nil
	}

	cc.logger.Debug("minting leaf certificate", "domain", domain)
	cert, err := cc.ca.GenerateCert(domain)
	if err != nil {
		return nil, err
	}
	cc.certs[domain] = &cacheEntry{cert: cert, expiresAt: time.Now().Add(cc.ttl)}
	return cert, nil
}

// Size returns the number of cached certificates.
func (cc *CertCache) Size() int {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return len(cc.certs)
}
