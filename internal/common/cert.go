package common

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/modcluster/mod-cluster-sub001/internal/logger"
)

var certLog = logger.WithComponent("cert")

// TLSFiles names the PEM files used to secure proxy connections
type TLSFiles struct {
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// LoadCertificate loads a key pair and logs the subject it presents
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	cert.Leaf = leaf
	certLog.Info("using client certificate CN=%s, expires %s", leaf.Subject.CommonName, leaf.NotAfter.Format("2006-01-02"))
	return cert, nil
}

// LoadCA loads a PEM bundle into a new pool
func LoadCA(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caFile)
	}
	return pool, nil
}

// LoadClientTLSConfig builds the client side TLS settings for proxy
// connections. The key pair is optional and enables mutual TLS; without a
// CA file the system roots are used.
func LoadClientTLSConfig(files TLSFiles) (*tls.Config, error) {
	if (files.CertFile == "") != (files.KeyFile == "") {
		return nil, fmt.Errorf("cert_file and key_file must be set together")
	}

	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         files.ServerName,
		InsecureSkipVerify: files.InsecureSkipVerify,
	}
	if files.CertFile != "" {
		cert, err := LoadCertificate(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if files.CAFile != "" {
		pool, err := LoadCA(files.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	if files.InsecureSkipVerify {
		certLog.Warn("proxy certificate verification is disabled")
	}
	return cfg, nil
}
