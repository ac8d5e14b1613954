// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

// Package tls provides certificate generation and loading for the shard
// transport.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

// File names inside a certificates directory.
const (
	CAFile     = "root-ca.crt"
	CAKeyFile  = "root-ca.key"
	ServerName = "directory"
)

// CA holds a certificate authority certificate and private key.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// KeyPair holds a leaf certificate and its private key.
type KeyPair struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

func serialNumber() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, oops.Code("TLS_SERIAL_FAILED").Wrap(err)
	}
	return serial, nil
}

func createCert(template, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) (*x509.Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		return nil, oops.Code("TLS_CREATE_CERT_FAILED").With("common_name", template.Subject.CommonName).Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.Code("TLS_CREATE_CERT_FAILED").With("common_name", template.Subject.CommonName).Wrap(err)
	}
	return cert, nil
}

// GenerateCA creates a root CA valid for ten years.
func GenerateCA(name string) (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.Code("TLS_KEYGEN_FAILED").Wrap(err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"HoloMUSH"},
			CommonName:   "holodir CA " + name,
		},
		NotBefore:             now,
		NotAfter:              now.AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}
	cert, err := createCert(template, template, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// IssueServerCert creates a one year server certificate for hosts.
// Entries that parse as IP addresses become IP SANs, the rest DNS SANs.
// localhost and 127.0.0.1 are always included.
func (ca *CA) IssueServerCert(hosts []string) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.Code("TLS_KEYGEN_FAILED").Wrap(err)
	}
	serial, err := serialNumber()
	if err != nil {
		return nil, err
	}

	dnsNames := []string{"localhost"}
	ips := []net.IP{net.ParseIP("127.0.0.1")}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			ips = append(ips, ip)
		} else if h != "" && h != "localhost" {
			dnsNames = append(dnsNames, h)
		}
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"HoloMUSH"},
			CommonName:   "holodir-" + ServerName,
		},
		NotBefore:   now,
		NotAfter:    now.AddDate(1, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    dnsNames,
		IPAddresses: ips,
	}
	cert, err := createCert(template, ca.Certificate, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Certificate: cert, PrivateKey: key}, nil
}

// Save writes the CA and, when set, the server key pair to certsDir.
// The server pair is stored as directory.crt and directory.key.
func Save(certsDir string, ca *CA, server *KeyPair) error {
	if err := os.MkdirAll(certsDir, 0o700); err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", certsDir).Wrap(err)
	}
	if err := saveCert(filepath.Join(certsDir, CAFile), ca.Certificate); err != nil {
		return err
	}
	if err := saveKey(filepath.Join(certsDir, CAKeyFile), ca.PrivateKey); err != nil {
		return err
	}
	if server != nil {
		certPath, keyPath := serverPaths(certsDir)
		if err := saveCert(certPath, server.Certificate); err != nil {
			return err
		}
		if err := saveKey(keyPath, server.PrivateKey); err != nil {
			return err
		}
	}
	return nil
}

// LoadCA loads an existing CA from certsDir.
func LoadCA(certsDir string) (*CA, error) {
	cert, err := readCert(filepath.Join(certsDir, CAFile))
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Clean(filepath.Join(certsDir, CAKeyFile))
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("path", keyPath).Wrap(err)
	}
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", keyPath).Errorf("no PEM block in CA key")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", keyPath).Wrap(err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// EnsureServerTLS loads the directory's server certificate from certsDir,
// generating a CA and certificate for hosts when none exist yet. Files that
// exist but fail to load are reported, never regenerated.
func EnsureServerTLS(certsDir string, hosts []string) (*cryptotls.Config, bool, error) {
	certPath, keyPath := serverPaths(certsDir)
	if anyExists(certPath, keyPath, filepath.Join(certsDir, CAFile)) {
		cfg, err := LoadServerTLS(certPath, keyPath)
		return cfg, false, err
	}

	ca, err := GenerateCA(ServerName)
	if err != nil {
		return nil, false, err
	}
	server, err := ca.IssueServerCert(hosts)
	if err != nil {
		return nil, false, err
	}
	if err := Save(certsDir, ca, server); err != nil {
		return nil, false, err
	}
	cfg, err := LoadServerTLS(certPath, keyPath)
	return cfg, true, err
}

// LoadServerTLS builds a server config from PEM files.
func LoadServerTLS(certFile, keyFile string) (*cryptotls.Config, error) {
	pair, err := cryptotls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").
			With("cert_file", certFile).
			With("key_file", keyFile).
			Wrap(err)
	}
	return &cryptotls.Config{
		Certificates: []cryptotls.Certificate{pair},
		MinVersion:   cryptotls.VersionTLS13,
	}, nil
}

// LoadClientTLS builds a client config trusting the CA in caFile.
func LoadClientTLS(caFile, serverName string) (*cryptotls.Config, error) {
	ca, err := readCert(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca)
	return &cryptotls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: cryptotls.VersionTLS13,
	}, nil
}

func serverPaths(certsDir string) (string, string) {
	return filepath.Join(certsDir, ServerName+".crt"), filepath.Join(certsDir, ServerName+".key")
}

// anyExists treats stat errors other than not-exist as existing so that
// unreadable files are never overwritten.
func anyExists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return true
		}
	}
	return false
}

func readCert(path string) (*x509.Certificate, error) {
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("path", path).Wrap(err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", path).Errorf("no PEM block in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, oops.Code("TLS_INVALID_PEM").With("path", path).Wrap(err)
	}
	return cert, nil
}

func saveCert(path string, cert *x509.Certificate) error {
	return writePEM(path, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	return writePEM(path, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writePEM(path string, block *pem.Block) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	if err := pem.Encode(f, block); err != nil {
		_ = f.Close()
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("path", path).Wrap(err)
	}
	return nil
}
