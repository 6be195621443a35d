// Package dkim manages the RSA keys used to sign outbound submissions
// and renders the DNS TXT records operators publish for them.
package dkim

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-msgauth/dkim"
)

// DefaultSelector is used wherever the config or CLI leaves the
// selector unset.
const DefaultSelector = "mailfleet"

const keyBits = 2048

// Key is a selector-scoped signing key for one sender domain.
type Key struct {
	private  *rsa.PrivateKey
	domain   string
	selector string
}

// Generate creates a fresh RSA signing key for the domain.
func Generate(domain, selector string) (*Key, error) {
	private, err := rsa.GenerateKey(rand.Reader, keyBits)
	if err != nil {
		return nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return newKey(private, domain, selector), nil
}

// Load reads a PEM-encoded private key (PKCS#1 or PKCS#8) from disk
// and binds it to the given domain and selector.
func Load(path, domain, selector string) (*Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}

	var private *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		private, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse key: %w", err)
		}
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%s holds a %T, need an RSA key", path, parsed)
		}
		private = rsaKey
	default:
		return nil, fmt.Errorf("unsupported PEM type %q", block.Type)
	}

	return newKey(private, domain, selector), nil
}

func newKey(private *rsa.PrivateKey, domain, selector string) *Key {
	if selector == "" {
		selector = DefaultSelector
	}
	return &Key{private: private, domain: domain, selector: selector}
}

// Save writes the key as a PKCS#1 PEM file readable only by the owner,
// creating parent directories as needed.
func (k *Key) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	defer f.Close()

	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(k.private),
	}
	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("encode key: %w", err)
	}

	return nil
}

// RecordName returns the owner name of the DKIM TXT record.
func (k *Key) RecordName() string {
	return fmt.Sprintf("%s._domainkey.%s", k.selector, k.domain)
}

// RecordValue returns the TXT record payload carrying the public key.
func (k *Key) RecordValue() string {
	der, err := x509.MarshalPKIXPublicKey(&k.private.PublicKey)
	if err != nil {
		return ""
	}
	return "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(der)
}

// Signer returns a signer bound to this key.
func (k *Key) Signer() *Signer {
	return &Signer{key: k}
}

// Signer adds DKIM-Signature headers to outbound messages. The
// submission gateway runs every message through it when signing is
// enabled.
type Signer struct {
	key *Key
}

// Sign prepends a relaxed/relaxed RSA-SHA256 signature to the message.
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.key.domain,
		Selector:               s.key.selector,
		Signer:                 s.key.private,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("sign message: %w", err)
	}

	return buf.Bytes(), nil
}
