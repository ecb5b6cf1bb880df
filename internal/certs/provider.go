// Package certs implements the Certificate Provider (C3): given a
// host, return a *tls.Config carrying certificate material for that
// host, generating and persisting a self-signed certificate on demand.
package certs

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrIssuance is returned (wrapped) when a provider fails to produce
// certificate material for a host.
var ErrIssuance = errors.New("certs: issuance failed")

// Provider hands out a *tls.Config configured to present certificate
// material for a given host. Implementations must be safe for
// concurrent use and must serialize concurrent issuance for the same
// host (spec.md §4.3).
type Provider interface {
	ContextFor(host string) (*tls.Config, error)
}

// cached is one host's certificate material plus its expiry, kept so
// repeated calls after the first avoid re-reading from disk.
type cached struct {
	cert    tls.Certificate
	expires time.Time
}

// SelfSignedProvider is the default Provider: it generates a 2048-bit
// RSA, SHA-256-signed, 1-year-valid self-signed certificate per host
// on first use, persists it under certDir as "<host>.crt"/"<host>.key"
// (spec.md §6), and serves cached material afterward until it expires.
//
// Concurrent issuance for the same host is collapsed into a single
// in-flight call via singleflight, satisfying the "at-most-one
// concurrent issuance per host" contract in spec.md §4.3 and the
// "Certificate single-flight" design note.
type SelfSignedProvider struct {
	certDir string
	logger  *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cached

	// OnIssued, if set, is called once per freshly generated (not
	// loaded-from-disk or cache-hit) certificate. The server wires this
	// to internal/metrics.Collector.CertificateIssued.
	OnIssued func()
}

// NewSelfSignedProvider creates certDir if missing and returns a
// provider rooted there.
func NewSelfSignedProvider(certDir string, logger *zap.Logger) (*SelfSignedProvider, error) {
	if err := os.MkdirAll(certDir, 0o700); err != nil {
		return nil, fmt.Errorf("certs: create cert dir: %w", err)
	}
	return &SelfSignedProvider{
		certDir: certDir,
		logger:  logger,
		cache:   make(map[string]cached),
	}, nil
}

// ContextFor implements Provider.
func (p *SelfSignedProvider) ContextFor(host string) (*tls.Config, error) {
	cert, err := p.certificateFor(host)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (p *SelfSignedProvider) certificateFor(host string) (tls.Certificate, error) {
	if c, ok := p.lookupValid(host); ok {
		return c.cert, nil
	}

	result, err, _ := p.group.Do(host, func() (interface{}, error) {
		// Re-check under the singleflight key: another goroutine may
		// have populated the cache while we waited to be scheduled.
		if c, ok := p.lookupValid(host); ok {
			return c, nil
		}
		c, err := p.issueOrLoad(host)
		if err != nil {
			return cached{}, fmt.Errorf("%w: host %q: %v", ErrIssuance, host, err)
		}
		p.mu.Lock()
		p.cache[host] = c
		p.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return tls.Certificate{}, err
	}
	return result.(cached).cert, nil
}

func (p *SelfSignedProvider) lookupValid(host string) (cached, bool) {
	p.mu.RLock()
	c, ok := p.cache[host]
	p.mu.RUnlock()
	if !ok {
		return cached{}, false
	}
	if time.Now().After(c.expires) {
		return cached{}, false
	}
	return c, true
}

// issueOrLoad loads existing, still-valid material from disk if
// present, otherwise generates and persists a fresh self-signed
// certificate.
func (p *SelfSignedProvider) issueOrLoad(host string) (cached, error) {
	certPath, keyPath := p.paths(host)

	if c, ok := loadIfValid(certPath, keyPath); ok {
		p.logger.Debug("loaded existing certificate", zap.String("host", host))
		return c, nil
	}

	p.logger.Info("issuing self-signed certificate", zap.String("host", host))
	c, err := generateSelfSigned(host)
	if err != nil {
		return cached{}, err
	}
	if err := persist(certPath, keyPath, c); err != nil {
		return cached{}, err
	}
	if p.OnIssued != nil {
		p.OnIssued()
	}
	return c, nil
}

func (p *SelfSignedProvider) paths(host string) (certPath, keyPath string) {
	return filepath.Join(p.certDir, host+".crt"), filepath.Join(p.certDir, host+".key")
}

func loadIfValid(certPath, keyPath string) (cached, bool) {
	if _, err := os.Stat(certPath); err != nil {
		return cached{}, false
	}
	if _, err := os.Stat(keyPath); err != nil {
		return cached{}, false
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return cached{}, false
	}
	leaf := cert.Leaf
	if leaf == nil {
		parsed, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return cached{}, false
		}
		leaf = parsed
	}
	if time.Now().After(leaf.NotAfter) {
		return cached{}, false
	}
	return cached{cert: cert, expires: leaf.NotAfter}, true
}

// generateSelfSigned reproduces CertificateManager::generate_self_signed
// from the original C++ implementation: 2048-bit RSA, C=US,
// O=ReverseProxy, CN=<host>, SAN=DNS:<host>, SHA-256 signature, serial
// 1, valid for 365 days from now.
func generateSelfSigned(host string) (cached, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return cached{}, fmt.Errorf("generate key: %w", err)
	}

	notBefore := time.Now()
	notAfter := notBefore.Add(365 * 24 * time.Hour)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"ReverseProxy"},
			CommonName:   host,
		},
		Issuer: pkix.Name{
			Country:      []string{"US"},
			Organization: []string{"ReverseProxy"},
			CommonName:   host,
		},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{host},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return cached{}, fmt.Errorf("create certificate: %w", err)
	}

	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return cached{}, fmt.Errorf("parse generated certificate: %w", err)
	}

	tlsCert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return cached{cert: tlsCert, expires: notAfter}, nil
}

func persist(certPath, keyPath string, c cached) error {
	certOut, err := os.OpenFile(certPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open cert file: %w", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: c.cert.Certificate[0]}); err != nil {
		return fmt.Errorf("write cert file: %w", err)
	}

	keyOut, err := os.OpenFile(keyPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("open key file: %w", err)
	}
	defer keyOut.Close()

	key, ok := c.cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("unsupported private key type %T", c.cert.PrivateKey)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}); err != nil {
		return fmt.Errorf("write key file: %w", err)
	}
	return nil
}
