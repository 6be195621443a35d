package dkim

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerate(t *testing.T) {
	key, err := Generate("example.com", "mailfleet")
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if key.private.N.BitLen() < 2048 {
		t.Errorf("key size = %d bits, want >= 2048", key.private.N.BitLen())
	}

	if got, want := key.RecordName(), "mailfleet._domainkey.example.com"; got != want {
		t.Errorf("RecordName() = %q, want %q", got, want)
	}
}

func TestGenerateDefaultSelector(t *testing.T) {
	key, err := Generate("example.com", "")
	if err != nil {
		t.Fatal(err)
	}

	want := DefaultSelector + "._domainkey.example.com"
	if got := key.RecordName(); got != want {
		t.Errorf("RecordName() = %q, want %q", got, want)
	}
}

func TestRecordValue(t *testing.T) {
	key, err := Generate("example.com", "mailfleet")
	if err != nil {
		t.Fatal(err)
	}

	record := key.RecordValue()

	if !strings.HasPrefix(record, "v=DKIM1; k=rsa; p=") {
		t.Errorf("RecordValue() should start with 'v=DKIM1; k=rsa; p=', got %q", record)
	}

	if len(record) < 50 {
		t.Errorf("RecordValue() too short: %d chars", len(record))
	}
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()

	key, err := Generate("example.com", "mailfleet")
	if err != nil {
		t.Fatal(err)
	}

	keyPath := filepath.Join(tmpDir, "subdir", "example.com.key")
	if err := key.Save(keyPath); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(keyPath)
	if err != nil {
		t.Fatalf("key file not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("file permissions = %o, want 0600", info.Mode().Perm())
	}

	loaded, err := Load(keyPath, "example.com", "mailfleet")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.private.N.Cmp(key.private.N) != 0 {
		t.Error("loaded key doesn't match original")
	}
	if loaded.RecordValue() != key.RecordValue() {
		t.Error("loaded record value doesn't match original")
	}
}

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("non-existent file", func(t *testing.T) {
		_, err := Load("/nonexistent/key.pem", "example.com", "mailfleet")
		if err == nil {
			t.Error("expected error for non-existent file")
		}
	})

	t.Run("invalid PEM", func(t *testing.T) {
		badFile := filepath.Join(tmpDir, "bad.pem")
		if err := os.WriteFile(badFile, []byte("not a pem"), 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := Load(badFile, "example.com", "mailfleet"); err == nil {
			t.Error("expected error for invalid PEM")
		}
	})

	t.Run("pkcs8 key", func(t *testing.T) {
		private, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatal(err)
		}
		der, err := x509.MarshalPKCS8PrivateKey(private)
		if err != nil {
			t.Fatal(err)
		}

		keyPath := filepath.Join(tmpDir, "pkcs8.key")
		pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
		if err := os.WriteFile(keyPath, pemData, 0600); err != nil {
			t.Fatal(err)
		}

		loaded, err := Load(keyPath, "example.com", "mailfleet")
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.private.N.Cmp(private.N) != 0 {
			t.Error("loaded key doesn't match")
		}
	})

	t.Run("unsupported PEM type", func(t *testing.T) {
		keyPath := filepath.Join(tmpDir, "cert.pem")
		pemData := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{0x30}})
		if err := os.WriteFile(keyPath, pemData, 0600); err != nil {
			t.Fatal(err)
		}

		if _, err := Load(keyPath, "example.com", "mailfleet"); err == nil {
			t.Error("expected error for unsupported PEM type")
		}
	})
}

func TestSign(t *testing.T) {
	key, err := Generate("example.com", "mailfleet")
	if err != nil {
		t.Fatal(err)
	}

	message := []byte("From: sender@example.com\r\n" +
		"To: recipient@example.org\r\n" +
		"Subject: Test Message\r\n" +
		"Date: Mon, 1 Jan 2024 12:00:00 +0000\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"This is a test message.\r\n")

	signed, err := key.Signer().Sign(message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !bytes.Contains(signed, []byte("DKIM-Signature:")) {
		t.Error("signed message should contain DKIM-Signature header")
	}
	if !bytes.Contains(signed, []byte("This is a test message.")) {
		t.Error("signed message should contain original body")
	}

	signedStr := string(signed)
	if !strings.Contains(signedStr, "d=example.com") {
		t.Error("DKIM signature should contain domain")
	}
	if !strings.Contains(signedStr, "s=mailfleet") {
		t.Error("DKIM signature should contain selector")
	}
}

func TestSignWithLoadedKey(t *testing.T) {
	tmpDir := t.TempDir()

	key, err := Generate("test.example.com", "edge")
	if err != nil {
		t.Fatal(err)
	}

	keyPath := filepath.Join(tmpDir, "roundtrip.key")
	if err := key.Save(keyPath); err != nil {
		t.Fatal(err)
	}

	loaded, err := Load(keyPath, "test.example.com", "edge")
	if err != nil {
		t.Fatal(err)
	}

	message := []byte("From: test@test.example.com\r\n" +
		"To: user@other.com\r\n" +
		"Subject: Round Trip\r\n" +
		"\r\n" +
		"Testing signing with a reloaded key.\r\n")

	signed, err := loaded.Signer().Sign(message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	signedStr := string(signed)
	if !strings.Contains(signedStr, "d=test.example.com") {
		t.Error("domain not found in signature")
	}
	if !strings.Contains(signedStr, "s=edge") {
		t.Error("selector not found in signature")
	}
}

func BenchmarkSign(b *testing.B) {
	key, err := Generate("example.com", "mailfleet")
	if err != nil {
		b.Fatal(err)
	}
	signer := key.Signer()

	message := []byte("From: sender@example.com\r\n" +
		"To: recipient@example.org\r\n" +
		"Subject: Benchmark\r\n" +
		"\r\n" +
		"Body for signing benchmarks.\r\n")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		signer.Sign(message)
	}
}
