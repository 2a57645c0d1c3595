// Package tls serves the dashboard over HTTPS, either from certificate
// files or with certificates obtained from Let's Encrypt through ACME.
package tls

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

const letsEncryptStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"

// Config selects the certificate source. CertFile and KeyFile take
// precedence over ACME.
type Config struct {
	CertFile string
	KeyFile  string

	Domains  []string // ACME host policy; "*.example.com" matches subdomains
	Email    string
	CacheDir string // default: "certs"
	Staging  bool
}

// Enabled reports whether any certificate source is configured.
func (c Config) Enabled() bool {
	return c.CertFile != "" || len(c.Domains) > 0
}

// Provider supplies the server TLS config.
type Provider struct {
	tlsConfig *cryptotls.Config
	manager   *autocert.Manager // nil for certificate files
	domains   []string
	logger    zerolog.Logger
}

// New creates a provider. Certificate files are loaded immediately so a
// bad pair fails at startup.
func New(cfg Config, logger zerolog.Logger) (*Provider, error) {
	p := &Provider{domains: cfg.Domains, logger: logger}

	switch {
	case cfg.CertFile != "" || cfg.KeyFile != "":
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, errors.New("tls: cert_file and key_file must be set together")
		}
		cert, err := cryptotls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		p.tlsConfig = &cryptotls.Config{
			MinVersion:   cryptotls.VersionTLS12,
			Certificates: []cryptotls.Certificate{cert},
		}
		logger.Info().Str("cert", cfg.CertFile).Msg("tls enabled with certificate files")

	case len(cfg.Domains) > 0:
		cacheDir := cfg.CacheDir
		if cacheDir == "" {
			cacheDir = "certs"
		}
		p.manager = &autocert.Manager{
			Cache:      autocert.DirCache(cacheDir),
			Prompt:     autocert.AcceptTOS,
			Email:      cfg.Email,
			HostPolicy: p.hostPolicy,
		}
		if cfg.Staging {
			p.manager.Client = &acme.Client{DirectoryURL: letsEncryptStaging}
		}
		p.tlsConfig = p.manager.TLSConfig()
		p.tlsConfig.MinVersion = cryptotls.VersionTLS12
		logger.Info().
			Strs("domains", cfg.Domains).
			Bool("staging", cfg.Staging).
			Str("cache", cacheDir).
			Msg("tls enabled with ACME")

	default:
		return nil, errors.New("tls: no certificate source configured")
	}

	return p, nil
}

// TLSConfig returns the config for http.Server.TLSConfig.
func (p *Provider) TLSConfig() *cryptotls.Config {
	return p.tlsConfig
}

// HTTPHandler answers ACME HTTP-01 challenges and redirects everything
// else to HTTPS. It is served on the plain HTTP listener.
func (p *Provider) HTTPHandler() http.Handler {
	redirect := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
	if p.manager == nil {
		return redirect
	}
	return p.manager.HTTPHandler(redirect)
}

// hostPolicy rejects certificate requests for hosts outside the
// configured domains.
func (p *Provider) hostPolicy(_ context.Context, host string) error {
	for _, d := range p.domains {
		if d == host {
			return nil
		}
		if suffix, ok := strings.CutPrefix(d, "*"); ok && strings.HasPrefix(suffix, ".") {
			if len(host) > len(suffix) && strings.HasSuffix(host, suffix) {
				return nil
			}
		}
	}
	p.logger.Warn().Str("host", host).Strs("allowed", p.domains).Msg("tls host not allowed")
	return fmt.Errorf("host %q not in allowed domains", host)
}
