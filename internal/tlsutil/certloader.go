// Package tlsutil terminates TLS for the gateway listeners: certificate
// loading with automatic reload via filesystem notifications, so
// certificates can rotate without a restart.
package tlsutil

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/meshgate/meshgate/internal/config"
)

// reloadDebounce coalesces the burst of filesystem events a certificate
// rotation produces into a single reload.
const reloadDebounce = 300 * time.Millisecond

// Build constructs the listener's tls.Config from the gateway settings.
// The returned CertLoader watches the certificate files and must be
// stopped when the listener shuts down.
func Build(cfg config.TLSConfig, logger *slog.Logger) (*tls.Config, *CertLoader, error) {
	loader, err := NewCertLoader(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}
	tc := &tls.Config{
		GetCertificate: loader.GetCertificate,
		MinVersion:     minVersion(cfg.MinVersion),
	}
	return tc, loader, nil
}

// minVersion maps the config string to a tls constant. Config validation
// only admits "1.2" and "1.3"; anything else falls back to 1.2.
func minVersion(v string) uint16 {
	if v == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}

// CertLoader loads a TLS certificate pair from disk and watches both files
// for changes, reloading on rotation. GetCertificate plugs into
// tls.Config.GetCertificate so every handshake sees the current pair.
type CertLoader struct {
	mu       sync.RWMutex
	cert     *tls.Certificate
	certFile string
	keyFile  string
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
}

// NewCertLoader loads the initial certificate and starts watching both
// files. The initial load must succeed; reload failures later keep the
// previous certificate.
func NewCertLoader(certFile, keyFile string, logger *slog.Logger) (*CertLoader, error) {
	cl := &CertLoader{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger.With("component", "tls"),
		stopCh:   make(chan struct{}),
	}

	if err := cl.loadCert(); err != nil {
		return nil, fmt.Errorf("initial certificate load: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := watcher.Add(certFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching cert file: %w", err)
	}
	if err := watcher.Add(keyFile); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watching key file: %w", err)
	}

	cl.watcher = watcher
	go cl.watchLoop()

	cl.logger.Info("certificate loaded, watching for rotation",
		"cert_file", certFile, "key_file", keyFile)

	return cl, nil
}

// GetCertificate returns the current certificate. Called on every TLS
// handshake.
func (cl *CertLoader) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.cert, nil
}

// Reload re-reads the pair from disk. On failure the current certificate
// stays in place.
func (cl *CertLoader) Reload() error {
	if err := cl.loadCert(); err != nil {
		cl.logger.Error("certificate reload failed, keeping current",
			"error", err, "cert_file", cl.certFile, "key_file", cl.keyFile)
		return err
	}
	cl.logger.Info("certificate reloaded", "cert_file", cl.certFile, "key_file", cl.keyFile)
	return nil
}

// Stop terminates the file watcher.
func (cl *CertLoader) Stop() {
	close(cl.stopCh)
	if cl.watcher != nil {
		cl.watcher.Close()
	}
}

func (cl *CertLoader) loadCert() error {
	cert, err := tls.LoadX509KeyPair(cl.certFile, cl.keyFile)
	if err != nil {
		return err
	}
	cl.mu.Lock()
	cl.cert = &cert
	cl.mu.Unlock()
	return nil
}

func (cl *CertLoader) watchLoop() {
	var debounce *time.Timer

	rearm := func(path string, reAdd bool) {
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(reloadDebounce, func() {
			if reAdd {
				// Editors and secret mounts rotate by rename, which
				// drops the watch on the old inode.
				if err := cl.watcher.Add(path); err != nil {
					cl.logger.Error("re-watching rotated file", "file", path, "error", err)
				}
			}
			cl.Reload() //nolint:errcheck
		})
	}

	for {
		select {
		case event, ok := <-cl.watcher.Events:
			if !ok {
				return
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				rearm(event.Name, false)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				rearm(event.Name, true)
			}
		case err, ok := <-cl.watcher.Errors:
			if !ok {
				return
			}
			cl.logger.Error("certificate watcher error", "error", err)
		case <-cl.stopCh:
			if debounce != nil {
				debounce.Stop()
			}
			return
		}
	}
}
