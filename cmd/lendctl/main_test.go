package main

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

type fixedPassphrase string

func (f fixedPassphrase) Get() (string, error) { return string(f), nil }

func testKey(t *testing.T) (*ecdsa.PrivateKey, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key, hex.EncodeToString(ethcrypto.FromECDSA(key))
}

func TestKeystoreImport(t *testing.T) {
	key, raw := testKey(t)
	t.Setenv("LENDCTL_TEST_KEY", raw)
	out := filepath.Join(t.TempDir(), "signer.json")

	origSave, origPass := saveKeystore, newPassphrase
	t.Cleanup(func() { saveKeystore, newPassphrase = origSave, origPass })
	var savedPath, savedPass string
	var savedKey *ecdsa.PrivateKey
	saveKeystore = func(path string, k *ecdsa.PrivateKey, pass string) error {
		savedPath, savedKey, savedPass = path, k, pass
		return os.WriteFile(path, []byte("{}"), 0o600)
	}
	newPassphrase = func(string) interface{ Get() (string, error) } { return fixedPassphrase("s3cret") }

	var buf bytes.Buffer
	if err := run([]string{importCommand, "-key-env", "LENDCTL_TEST_KEY", "-out", out}, &buf); err != nil {
		t.Fatalf("import: %v", err)
	}
	if savedPath != out || savedPass != "s3cret" || !savedKey.Equal(key) {
		t.Fatalf("unexpected save call %s %q", savedPath, savedPass)
	}
	want := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	if !strings.Contains(buf.String(), want) {
		t.Fatalf("expected address in output, got %q", buf.String())
	}
	if strings.Contains(buf.String(), raw) {
		t.Fatalf("private key leaked into output")
	}

	if err := run([]string{importCommand, "-key-env", "LENDCTL_TEST_KEY", "-out", out}, &buf); err == nil ||
		!strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
}

func TestKeystoreImportRequiresKeySource(t *testing.T) {
	if err := run([]string{importCommand}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error without key source")
	}
}

func TestAddressFromConfig(t *testing.T) {
	key, raw := testKey(t)
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bridge.yaml")
	cfg := strings.Join([]string{
		"chain:",
		"  endpoint: ws://127.0.0.1:8546",
		"  chain_id: 31337",
		"contract:",
		"  address: 0x5FbDB2315678afecb367f032d93F642f64180aa3",
		"signer:",
		"  key: " + raw,
	}, "\n")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var buf bytes.Buffer
	if err := run([]string{addressCommand, "-config", cfgPath}, &buf); err != nil {
		t.Fatalf("address: %v", err)
	}
	if got := strings.TrimSpace(buf.String()); got != ethcrypto.PubkeyToAddress(key.PublicKey).Hex() {
		t.Fatalf("unexpected address %q", got)
	}
}

func TestAdminCommands(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		switch r.URL.Path {
		case "/v1/pending":
			_, _ = w.Write([]byte(`{"pending":[{"hash":"0xabc"}]}`))
		case "/v1/transactions":
			_, _ = w.Write([]byte(`{"transactions":[]}`))
		default:
			http.Error(w, "nope", http.StatusNotFound)
		}
	}))
	defer srv.Close()
	t.Setenv(defaultTokenEnv, "admin-token")

	var buf bytes.Buffer
	if err := run([]string{pendingCommand, "-url", srv.URL}, &buf); err != nil {
		t.Fatalf("pending: %v", err)
	}
	if gotAuth != "Bearer admin-token" || !strings.Contains(buf.String(), "0xabc") {
		t.Fatalf("unexpected pending call auth=%q out=%q", gotAuth, buf.String())
	}

	buf.Reset()
	if err := run([]string{transactionsCommand, "-url", srv.URL + "/", "-limit", "5"}, &buf); err != nil {
		t.Fatalf("transactions: %v", err)
	}
	if gotQuery != "limit=5" {
		t.Fatalf("expected limit forwarded, got %q", gotQuery)
	}
}

func TestAdminCommandSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "insufficient scope", http.StatusForbidden)
	}))
	defer srv.Close()
	err := run([]string{pendingCommand, "-url", srv.URL}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected 403 surfaced, got %v", err)
	}
}

func TestUnknownCommand(t *testing.T) {
	if err := run([]string{"frobnicate"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected unknown command error")
	}
}
