package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshgate/meshgate/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// generateTestCert creates a self-signed cert/key pair in dir and returns
// the file paths.
func generateTestCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	if err := os.WriteFile(keyFile, keyPEM, 0o644); err != nil {
		t.Fatalf("write key: %v", err)
	}

	return certFile, keyFile
}

func TestCertLoader_InitialLoad(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	cert, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected non-nil certificate")
	}
}

func TestCertLoader_InvalidCert(t *testing.T) {
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")

	os.WriteFile(certFile, []byte("invalid"), 0o644)
	os.WriteFile(keyFile, []byte("invalid"), 0o644)

	_, err := NewCertLoader(certFile, keyFile, testLogger())
	if err == nil {
		t.Fatal("expected error for invalid cert")
	}
}

func TestCertLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	before, _ := cl.GetCertificate(&tls.ClientHelloInfo{})

	// Overwrite the pair, then reload.
	generateTestCert(t, dir)
	if err := cl.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	after, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate after reload: %v", err)
	}
	if after == nil {
		t.Fatal("expected non-nil certificate after reload")
	}
	if string(after.Certificate[0]) == string(before.Certificate[0]) {
		t.Error("expected a different certificate after reload")
	}
}

func TestCertLoader_ReloadFailureKeepsCurrent(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir)

	cl, err := NewCertLoader(certFile, keyFile, testLogger())
	if err != nil {
		t.Fatalf("NewCertLoader: %v", err)
	}
	defer cl.Stop()

	os.WriteFile(certFile, []byte("garbage"), 0o644)
	if err := cl.Reload(); err == nil {
		t.Fatal("expected reload error for corrupted cert")
	}

	cert, err := cl.GetCertificate(&tls.ClientHelloInfo{})
	if err != nil {
		t.Fatalf("GetCertificate: %v", err)
	}
	if cert == nil {
		t.Fatal("expected previous certificate retained")
	}
}

func TestBuild_MinVersions(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := generateTestCert(t, dir)

	tests := []struct {
		version string
		want    uint16
	}{
		{"1.2", tls.VersionTLS12},
		{"1.3", tls.VersionTLS13},
		{"", tls.VersionTLS12},
	}

	for _, tt := range tests {
		cfg := config.TLSConfig{
			Enabled:    true,
			CertFile:   certFile,
			KeyFile:    keyFile,
			MinVersion: tt.version,
		}
		tc, loader, err := Build(cfg, testLogger())
		if err != nil {
			t.Fatalf("Build(%q): %v", tt.version, err)
		}
		if tc.MinVersion != tt.want {
			t.Errorf("Build(%q): expected min version %d, got %d", tt.version, tt.want, tc.MinVersion)
		}
		if tc.GetCertificate == nil {
			t.Errorf("Build(%q): expected GetCertificate wired", tt.version)
		}
		loader.Stop()
	}
}

func TestBuild_MissingFiles(t *testing.T) {
	cfg := config.TLSConfig{
		Enabled:  true,
		CertFile: "/nonexistent/cert.pem",
		KeyFile:  "/nonexistent/key.pem",
	}
	if _, _, err := Build(cfg, testLogger()); err == nil {
		t.Fatal("expected error for missing files")
	}
}
