package security

import (
	"errors"
	"testing"
)

func TestEncryptSecretRoundTrip(t *testing.T) {
	t.Setenv(encryptionKeyEnv, "test-passphrase")
	ResetCipherForTests()
	t.Cleanup(ResetCipherForTests)

	sealed, err := EncryptSecret("hunter2")
	if err != nil {
		t.Fatalf("EncryptSecret returned error: %v", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("EncryptSecret output %q missing prefix", sealed)
	}

	plain, legacy, err := DecryptSecret(sealed)
	if err != nil {
		t.Fatalf("DecryptSecret returned error: %v", err)
	}
	if legacy {
		t.Fatal("DecryptSecret reported sealed value as legacy")
	}
	if plain != "hunter2" {
		t.Fatalf("DecryptSecret = %q, want %q", plain, "hunter2")
	}
}

func TestDecryptSecretLegacyPlaintext(t *testing.T) {
	plain, legacy, err := DecryptSecret("not-sealed")
	if err != nil {
		t.Fatalf("DecryptSecret returned error: %v", err)
	}
	if !legacy || plain != "not-sealed" {
		t.Fatalf("DecryptSecret = (%q, %v), want (%q, true)", plain, legacy, "not-sealed")
	}
}

func TestEncryptSecretWithoutKey(t *testing.T) {
	t.Setenv(encryptionKeyEnv, "")
	ResetCipherForTests()
	t.Cleanup(ResetCipherForTests)

	if out, err := EncryptSecret(""); err != nil || out != "" {
		t.Fatalf("EncryptSecret(\"\") = (%q, %v), want empty without error", out, err)
	}
	if _, err := EncryptSecret("secret"); !errors.Is(err, ErrKeyNotSet) {
		t.Fatalf("EncryptSecret error = %v, want ErrKeyNotSet", err)
	}
}

func TestSealMapRoundTrip(t *testing.T) {
	t.Setenv(encryptionKeyEnv, "dGVzdC1rZXktMTIzNDU2Nzg5MDEyMzQ1Njc4OTAxMg==")
	ResetCipherForTests()
	t.Cleanup(ResetCipherForTests)

	sealed, err := SealMap(map[string]string{"api_key": "abc", "zone": "z1"})
	if err != nil {
		t.Fatalf("SealMap returned error: %v", err)
	}

	opened, err := OpenMap(sealed)
	if err != nil {
		t.Fatalf("OpenMap returned error: %v", err)
	}
	if opened["api_key"] != "abc" || opened["zone"] != "z1" {
		t.Fatalf("OpenMap = %v, want api_key=abc zone=z1", opened)
	}
}
