package server

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/acme/autocert"

	"relaycloak/internal/config"
)

// BuildTLSConfig constructs the server-side *tls.Config spec.md §1 treats
// as an external collaborator ("TLS context construction... out of
// scope"), but whose construction a complete repository still has to do
// somewhere. Two sources are supported: a static cert/key file pair, or
// golang.org/x/crypto/acme/autocert obtaining certificates from Let's
// Encrypt on demand for the configured hostnames.
func BuildTLSConfig(cfg *config.Configuration) (*tls.Config, error) {
	if cfg.SSL.AutocertEnabled {
		return buildAutocertConfig(cfg)
	}
	return buildStaticTLSConfig(cfg)
}

func buildStaticTLSConfig(cfg *config.Configuration) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.SSL.Cert, cfg.SSL.Key)
	if err != nil {
		return nil, fmt.Errorf("server: load TLS cert/key: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ServerName:   cfg.SSL.SNI,
		NextProtos:   []string{"h2", "http/1.1"},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func buildAutocertConfig(cfg *config.Configuration) (*tls.Config, error) {
	if len(cfg.SSL.AutocertHosts) == 0 {
		return nil, fmt.Errorf("server: ssl.autocert_enabled requires ssl.autocert_hosts")
	}
	cacheDir := cfg.SSL.AutocertCache
	if cacheDir == "" {
		cacheDir = "autocert-cache"
	}
	m := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.SSL.AutocertHosts...),
		Cache:      autocert.DirCache(cacheDir),
	}
	tlsCfg := m.TLSConfig()
	tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	return tlsCfg, nil
}
