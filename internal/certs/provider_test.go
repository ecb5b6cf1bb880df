package certs

import (
	"crypto/x509"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newProvider(t *testing.T) *SelfSignedProvider {
	t.Helper()
	p, err := NewSelfSignedProvider(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	return p
}

func TestContextForMatchesHost(t *testing.T) {
	p := newProvider(t)

	cfg, err := p.ContextFor("a.test")
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)

	leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
	require.NoError(t, err)
	require.Equal(t, "a.test", leaf.Subject.CommonName)
	require.Contains(t, leaf.DNSNames, "a.test")
	require.Equal(t, x509.SHA256WithRSA, leaf.SignatureAlgorithm)
}

func TestContextForIsIdempotent(t *testing.T) {
	p := newProvider(t)

	first, err := p.ContextFor("b.test")
	require.NoError(t, err)
	second, err := p.ContextFor("b.test")
	require.NoError(t, err)

	require.Equal(t, first.Certificates[0].Certificate, second.Certificates[0].Certificate)
}

func TestContextForPersistsToDisk(t *testing.T) {
	dir := t.TempDir()
	p, err := NewSelfSignedProvider(dir, zap.NewNop())
	require.NoError(t, err)

	_, err = p.ContextFor("persist.test")
	require.NoError(t, err)

	// A fresh provider pointed at the same directory should load the
	// existing material rather than regenerating it.
	p2, err := NewSelfSignedProvider(dir, zap.NewNop())
	require.NoError(t, err)
	cfg1, err := p.ContextFor("persist.test")
	require.NoError(t, err)
	cfg2, err := p2.ContextFor("persist.test")
	require.NoError(t, err)
	require.Equal(t, cfg1.Certificates[0].Certificate, cfg2.Certificates[0].Certificate)
}

// TestConcurrentIssuanceIsSingleFlight exercises spec.md §4.3 and §8's
// "exactly one issuance occurs" invariant under concurrent callers for
// a host with no cached material.
func TestConcurrentIssuanceIsSingleFlight(t *testing.T) {
	p := newProvider(t)
	var issued int32
	p.OnIssued = func() { atomic.AddInt32(&issued, 1) }

	const callers = 32
	var wg sync.WaitGroup
	wg.Add(callers)

	results := make([]*x509.Certificate, callers)
	for i := 0; i < callers; i++ {
		go func(i int) {
			defer wg.Done()
			cfg, err := p.ContextFor("race.test")
			require.NoError(t, err)
			leaf, err := x509.ParseCertificate(cfg.Certificates[0].Certificate[0])
			require.NoError(t, err)
			results[i] = leaf
		}(i)
	}
	wg.Wait()

	require.EqualValues(t, 1, atomic.LoadInt32(&issued))
	for i := 1; i < callers; i++ {
		require.Equal(t, results[0].SerialNumber, results[i].SerialNumber)
		require.True(t, results[0].NotBefore.Equal(results[i].NotBefore))
	}
}

func TestContextForDifferentHostsDontBlockEachOther(t *testing.T) {
	p := newProvider(t)
	var calls int32

	hosts := []string{"h1.test", "h2.test", "h3.test"}
	var wg sync.WaitGroup
	for _, h := range hosts {
		wg.Add(1)
		go func(h string) {
			defer wg.Done()
			_, err := p.ContextFor(h)
			require.NoError(t, err)
			atomic.AddInt32(&calls, 1)
		}(h)
	}
	wg.Wait()
	require.EqualValues(t, len(hosts), calls)
}
