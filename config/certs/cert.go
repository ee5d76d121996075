// Package certs loads the mutual TLS material of the transaction service
// and can generate a self-signed CA with server and client certificates for
// development clusters.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/credentials"
)

// File names written by Generate and expected by Paths.
const (
	CAFile         = "ca.crt"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
	ClientCertFile = "client.crt"
	ClientKeyFile  = "client.key"
)

// Config points at the PEM files used for mutual TLS.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"ca_file"`
	CertFile   string `yaml:"cert_file"`
	KeyFile    string `yaml:"key_file"`
	ServerName string `yaml:"server_name"`
}

// Paths returns the server and client configs for the files Generate wrote into dir.
func Paths(dir string) (server, client Config) {
	server = Config{
		Enabled:  true,
		CAFile:   filepath.Join(dir, CAFile),
		CertFile: filepath.Join(dir, ServerCertFile),
		KeyFile:  filepath.Join(dir, ServerKeyFile),
	}
	client = Config{
		Enabled:    true,
		CAFile:     filepath.Join(dir, CAFile),
		CertFile:   filepath.Join(dir, ClientCertFile),
		KeyFile:    filepath.Join(dir, ClientKeyFile),
		ServerName: "localhost",
	}
	return server, client
}

// ServerCredentials returns gRPC credentials that require and verify client certificates.
func (c Config) ServerCredentials() (credentials.TransportCredentials, error) {
	cfg, err := LoadServerTLSConfig(c.CAFile, c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(cfg), nil
}

// ClientCredentials returns gRPC credentials presenting the client certificate.
func (c Config) ClientCredentials() (credentials.TransportCredentials, error) {
	cfg, err := LoadClientTLSConfig(c.CAFile, c.CertFile, c.KeyFile)
	if err != nil {
		return nil, err
	}
	cfg.ServerName = c.ServerName
	return credentials.NewTLS(cfg), nil
}

// LoadServerTLSConfig loads the server's certificate and key, and the CA cert.
// It configures the server to require and verify client certificates.
func LoadServerTLSConfig(caCertPath, serverCertPath, serverKeyPath string) (*tls.Config, error) {
	serverCert, err := tls.LoadX509KeyPair(serverCertPath, serverKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load server key pair: %w", err)
	}
	caCertPool, err := loadCAPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// LoadClientTLSConfig loads the client's certificate and key, and the CA cert
// used to verify the server.
func LoadClientTLSConfig(caCertPath, clientCertPath, clientKeyPath string) (*tls.Config, error) {
	clientCert, err := tls.LoadX509KeyPair(clientCertPath, clientKeyPath)
	if err != nil {
		return nil, fmt.Errorf("could not load client key pair: %w", err)
	}
	caCertPool, err := loadCAPool(caCertPath)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{clientCert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func loadCAPool(caCertPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("could not read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA cert to pool")
	}
	return pool, nil
}

// --- Certificate Generation Helper Functions ---

// Generate creates a CA plus server and client certificates in dir. The
// server certificate is valid for localhost and hosts.
func Generate(dir string, hosts ...string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	// 1. Generate CA private key and certificate.
	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	caCert, err := createCACertificate(caKey)
	if err != nil {
		return err
	}
	if err := saveCert(filepath.Join(dir, CAFile), caCert); err != nil {
		return err
	}

	// 2. Generate Server private key and certificate, signed by CA.
	serverKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	serverCert, err := createSignedCertificate(serverKey, "localhost", hosts, caCert, caKey, true)
	if err != nil {
		return err
	}
	if err := saveCert(filepath.Join(dir, ServerCertFile), serverCert); err != nil {
		return err
	}
	if err := saveKey(filepath.Join(dir, ServerKeyFile), serverKey); err != nil {
		return err
	}

	// 3. Generate Client private key and certificate, signed by CA.
	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	clientCert, err := createSignedCertificate(clientKey, "client", nil, caCert, caKey, false)
	if err != nil {
		return err
	}
	if err := saveCert(filepath.Join(dir, ClientCertFile), clientCert); err != nil {
		return err
	}
	return saveKey(filepath.Join(dir, ClientKeyFile), clientKey)
}

// createCACertificate creates a self-signed CA certificate.
func createCACertificate(privateKey *ecdsa.PrivateKey) (*x509.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			Organization: []string{"gojotxn CA"},
		},
		NotBefore:             time.Now().Add(-time.Minute),
		NotAfter:              time.Now().AddDate(1, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(certBytes)
}

// createSignedCertificate creates a server or client cert signed by a CA.
func createSignedCertificate(
	privateKey *ecdsa.PrivateKey,
	commonName string,
	hosts []string,
	caCert *x509.Certificate,
	caKey *ecdsa.PrivateKey,
	isServer bool,
) (*x509.Certificate, error) {
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore: time.Now().Add(-time.Minute),
		NotAfter:  time.Now().AddDate(1, 0, 0),
		KeyUsage:  x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		DNSNames:  []string{commonName},
	}
	if commonName == "localhost" {
		template.IPAddresses = []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	if isServer {
		// servers also dial their peers with this certificate
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	} else {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	certBytes, err := x509.CreateCertificate(rand.Reader, template, caCert, &privateKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create cert: %w", err)
	}
	return x509.ParseCertificate(certBytes)
}

// saveCert saves a certificate to a PEM file.
func saveCert(filename string, cert *x509.Certificate) error {
	certOut, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer certOut.Close()
	return pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// saveKey saves a private key to a PEM file.
func saveKey(filename string, key *ecdsa.PrivateKey) error {
	keyOut, err := os.OpenFile(filename, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer keyOut.Close()
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return err
	}
	return pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})
}
