package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptSecretsRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()

	password := "test-password-12345"
	secrets := map[string]string{
		"GOOGLE_GENAI_API_KEY": "AIza-test",
		"ANTHROPIC_API_KEY":    "sk-ant-test123",
	}

	if err := EncryptSecretsFile(tmpDir, password, secrets); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	info, err := os.Stat(filepath.Join(tmpDir, ProjectConfigDir, secretsFileName))
	if err != nil {
		t.Fatalf("Secrets file was not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected file permissions 0600, got %04o", info.Mode().Perm())
	}

	decrypted, err := DecryptSecretsFile(tmpDir, password)
	if err != nil {
		t.Fatalf("Failed to decrypt secrets: %v", err)
	}
	if len(decrypted) != len(secrets) {
		t.Errorf("Expected %d secrets, got %d", len(secrets), len(decrypted))
	}
	for key, want := range secrets {
		if got := decrypted[key]; got != want {
			t.Errorf("Secret %s: expected %q, got %q", key, want, got)
		}
	}
}

func TestDecryptWithWrongPassword(t *testing.T) {
	tmpDir := t.TempDir()

	if err := EncryptSecretsFile(tmpDir, "correct-password", map[string]string{"K": "v"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	if _, err := DecryptSecretsFile(tmpDir, "wrong-password"); err != ErrWrongPassphrase {
		t.Fatalf("Expected ErrWrongPassphrase, got %v", err)
	}
}

func TestDecryptFixesPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	if err := EncryptSecretsFile(tmpDir, "pw", map[string]string{"K": "v"}); err != nil {
		t.Fatalf("Failed to encrypt secrets: %v", err)
	}

	path := filepath.Join(tmpDir, ProjectConfigDir, secretsFileName)
	if err := os.Chmod(path, 0644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := DecryptSecretsFile(tmpDir, "pw"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("Expected permissions corrected to 0600, got %04o", info.Mode().Perm())
	}
}

func TestDecryptCorruptedFile(t *testing.T) {
	tmpDir := t.TempDir()
	dir := filepath.Join(tmpDir, ProjectConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, secretsFileName), []byte("short"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := DecryptSecretsFile(tmpDir, "pw"); err == nil {
		t.Fatal("Expected error for corrupted file")
	}
}

func TestSecretPrecedence(t *testing.T) {
	t.Setenv("SANKOSIDES_TEST_SECRET", "from-env")
	SetDecryptedSecrets(nil)
	t.Cleanup(func() { SetDecryptedSecrets(nil) })

	v, err := GetSecret("SANKOSIDES_TEST_SECRET")
	if err != nil || v != "from-env" {
		t.Fatalf("expected env fallback, got %q, %v", v, err)
	}

	SetSecret("SANKOSIDES_TEST_SECRET", "from-file")
	v, err = GetSecret("SANKOSIDES_TEST_SECRET")
	if err != nil || v != "from-file" {
		t.Fatalf("expected in-memory secret first, got %q, %v", v, err)
	}

	names := SecretNames()
	if len(names) != 1 || names[0] != "SANKOSIDES_TEST_SECRET" {
		t.Errorf("unexpected names: %v", names)
	}

	if _, err := GetSecret("SANKOSIDES_DOES_NOT_EXIST"); err == nil {
		t.Error("expected error for missing secret")
	}
}
