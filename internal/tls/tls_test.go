package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"clinical-auth/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDevCertGenerator_ReusesValidCertificate(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)

	first, err := gen.GenerateCert([]string{"auth.local", "127.0.0.1"})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "auth.local")
	require.Len(t, leaf.IPAddresses, 1)

	second, err := gen.GenerateCert([]string{"auth.local"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])
}

func TestDevCertGenerator_RenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	gen := NewDevCertGenerator(dir)
	first, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)

	gen.now = func() time.Time { return time.Now().Add(devCertValidity - time.Hour) }
	second, err := gen.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, first.Certificate[0], second.Certificate[0])
}

func TestTLSManager_DevelopmentFallsBackToSelfSigned(t *testing.T) {
	cfg := &config.Config{
		Environment: "development",
		Server:      config.ServerConfig{EnableTLS: true, Domain: "localhost", AutoCertDir: t.TempDir()},
	}
	m := NewTLSManager(cfg)

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)
	assert.Equal(t, uint16(tls.VersionTLS12), m.GetTLSConfig().MinVersion)
}

func TestTLSManager_ProductionRefusesSelfSigned(t *testing.T) {
	cfg := &config.Config{
		Environment: "production",
		Server:      config.ServerConfig{EnableTLS: true, Domain: "auth.example.org", AutoCertDir: t.TempDir()},
	}
	m := NewTLSManager(cfg)

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "auth.example.org"})
	assert.ErrorIs(t, err, ErrNoCertificate)
}
