package tunnel

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"
)

func TestBuildAuthMethods_ExplicitKey(t *testing.T) {
	keyPath := writeTestKey(t, nil)

	methods, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

func TestBuildAuthMethods_MissingKey(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := BuildAuthMethods(&SSHConfig{KeyPath: "/nonexistent/key"}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestBuildAuthMethods_AgentWithoutSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	if _, err := BuildAuthMethods(&SSHConfig{UseAgent: true}); err == nil {
		t.Fatal("expected error when SSH_AUTH_SOCK is unset")
	}
}

func TestBuildAuthMethods_NothingAvailable(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())
	if _, err := BuildAuthMethods(&SSHConfig{}); err == nil {
		t.Fatal("expected error with no key, agent or password")
	}
}

func TestBuildAuthMethods_KeyboardInteractiveFallback(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	t.Setenv("HOME", t.TempDir())
	methods, err := BuildAuthMethods(&SSHConfig{AllowKeyboardInteractive: true})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

func TestBuildAuthMethods_DiscoversDefaultKeys(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")
	home := t.TempDir()
	t.Setenv("HOME", home)
	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	src := writeTestKey(t, nil)
	data, _ := os.ReadFile(src)
	if err := os.WriteFile(filepath.Join(home, ".ssh", "id_ed25519"), data, 0o600); err != nil {
		t.Fatal(err)
	}

	methods, err := BuildAuthMethods(&SSHConfig{})
	if err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(methods) != 1 {
		t.Fatalf("got %d methods, want 1", len(methods))
	}
}

func TestBuildAuthMethods_EncryptedKeyPrompts(t *testing.T) {
	keyPath := writeTestKey(t, []byte("s3cret"))

	var prompts []string
	stubSecret(t, func(prompt string) ([]byte, error) {
		prompts = append(prompts, prompt)
		return []byte("s3cret"), nil
	})

	if _, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath}); err != nil {
		t.Fatalf("BuildAuthMethods: %v", err)
	}
	if len(prompts) != 1 {
		t.Fatalf("prompted %d times, want 1", len(prompts))
	}
}

func TestBuildAuthMethods_WrongPassphrase(t *testing.T) {
	keyPath := writeTestKey(t, []byte("s3cret"))
	stubSecret(t, func(string) ([]byte, error) { return []byte("nope"), nil })

	if _, err := BuildAuthMethods(&SSHConfig{KeyPath: keyPath}); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestBuildAuthMethods_PasswordPromptError(t *testing.T) {
	stubSecret(t, func(string) ([]byte, error) { return nil, errors.New("not a terminal") })
	if _, err := BuildAuthMethods(&SSHConfig{Host: "gw", PromptPass: true}); err == nil {
		t.Fatal("expected error when the password cannot be read")
	}
}

func TestHostKeyCallback_Insecure(t *testing.T) {
	cb, err := hostKeyCallback(&SSHConfig{StrictHostKey: false})
	if err != nil {
		t.Fatal(err)
	}
	if cb == nil {
		t.Fatal("callback should not be nil")
	}
}

func TestHostKeyCallback_StrictMissingFile(t *testing.T) {
	cfg := &SSHConfig{StrictHostKey: true, KnownHosts: filepath.Join(t.TempDir(), "known_hosts")}
	if _, err := hostKeyCallback(cfg); err == nil {
		t.Fatal("expected error for missing known_hosts")
	}
}

func TestSSHConfigAddr(t *testing.T) {
	if got := (&SSHConfig{Host: "gw"}).Addr(); got != "gw:22" {
		t.Errorf("Addr() = %q, want gw:22", got)
	}
	if got := (&SSHConfig{Host: "::1", Port: 2222}).Addr(); got != "[::1]:2222" {
		t.Errorf("Addr() = %q, want [::1]:2222", got)
	}
}

// ── helpers ──────────────────────────────────────────────────────────

// writeTestKey writes a fresh ed25519 key in OpenSSH format, encrypted
// when passphrase is non-nil, and returns its path.
func writeTestKey(t *testing.T, passphrase []byte) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	var block *pem.Block
	if passphrase == nil {
		block, err = ssh.MarshalPrivateKey(priv, "test@revnotify")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "test@revnotify", passphrase)
	}
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func stubSecret(t *testing.T, fn func(string) ([]byte, error)) {
	t.Helper()
	orig := readSecret
	readSecret = fn
	t.Cleanup(func() { readSecret = orig })
}
