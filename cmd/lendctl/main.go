package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"lendbridge/cmd/internal/passphrase"
	"lendbridge/config"
	"lendbridge/crypto"
)

const (
	importCommand       = "keystore-import"
	addressCommand      = "address"
	pendingCommand      = "pending"
	transactionsCommand = "transactions"

	defaultConfig   = "lendbridge.yaml"
	defaultKeystore = "signer.keystore"
	defaultURL      = "http://127.0.0.1:8080"
	defaultTokenEnv = "LENDBRIDGE_ADMIN_TOKEN"
)

var httpClient = &http.Client{Timeout: 15 * time.Second}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) < 1 {
		usage(out)
		return errors.New("missing command")
	}
	switch args[0] {
	case importCommand:
		return runImport(args[1:], out)
	case addressCommand:
		return runAddress(args[1:], out)
	case pendingCommand:
		return runAdmin(pendingCommand, "/v1/pending", args[1:], out)
	case transactionsCommand:
		return runAdmin(transactionsCommand, "/v1/transactions", args[1:], out)
	case "help", "-h", "--help":
		usage(out)
		return nil
	default:
		usage(out)
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "Usage: lendctl <command> [flags]")
	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Commands:")
	fmt.Fprintf(out, "  %-14s encrypt a hex signer key into a v3 keystore\n", importCommand)
	fmt.Fprintf(out, "  %-14s print the bridge signer address\n", addressCommand)
	fmt.Fprintf(out, "  %-14s list transactions awaiting reconciliation\n", pendingCommand)
	fmt.Fprintf(out, "  %-14s list recent ledger entries\n", transactionsCommand)
}

func runImport(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(importCommand, flag.ContinueOnError)
	keyEnv := fs.String("key-env", "", "environment variable holding the hex private key")
	keyFile := fs.String("key-file", "", "file holding the hex private key")
	keystorePath := fs.String("out", defaultKeystore, "output path for the keystore file")
	passEnv := fs.String("pass-env", "", "environment variable holding the keystore passphrase (prompted when unset)")
	force := fs.Bool("force", false, "overwrite an existing keystore file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var raw string
	switch {
	case *keyEnv != "":
		raw = os.Getenv(*keyEnv)
		if strings.TrimSpace(raw) == "" {
			return fmt.Errorf("environment variable %s is empty", *keyEnv)
		}
	case *keyFile != "":
		data, err := os.ReadFile(*keyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		raw = string(data)
	default:
		return errors.New("one of -key-env or -key-file is required")
	}
	key, err := crypto.ParseHexKey(raw)
	if err != nil {
		return err
	}

	if !*force {
		if _, err := os.Stat(*keystorePath); err == nil {
			return fmt.Errorf("keystore file %s already exists (use -force to overwrite)", *keystorePath)
		} else if !os.IsNotExist(err) {
			return err
		}
	}
	pass, err := newPassphrase(*passEnv).Get()
	if err != nil {
		return err
	}
	if err := saveKeystore(*keystorePath, key, pass); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	fmt.Fprintf(out, "Keystore written to %s for %s\n", *keystorePath, crypto.Address(key))
	return nil
}

// Replaced in tests.
var (
	saveKeystore  = crypto.SaveToKeystore
	newPassphrase = func(env string) interface{ Get() (string, error) } {
		return passphrase.NewSource(env, passphrase.WithConfirmation(), passphrase.WithLabel("new keystore passphrase"))
	}
)

func runAddress(args []string, out io.Writer) error {
	fs := flag.NewFlagSet(addressCommand, flag.ContinueOnError)
	cfgPath := fs.String("config", defaultConfig, "path to bridge configuration")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	key, err := crypto.LoadSigner(crypto.SignerSource{
		Key:        cfg.Signer.Key,
		Keystore:   cfg.Signer.Keystore,
		Passphrase: passphrase.NewSource(cfg.Signer.PassphraseEnv).Get,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(out, crypto.Address(key))
	return nil
}

func runAdmin(name, path string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	baseURL := fs.String("url", defaultURL, "bridge base URL")
	tokenEnv := fs.String("token-env", defaultTokenEnv, "environment variable holding an admin bearer token")
	limit := fs.Int("limit", 0, "maximum entries to return (transactions only)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	endpoint, err := url.JoinPath(strings.TrimRight(*baseURL, "/"), path)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if *limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(*limit)
	}
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if token := strings.TrimSpace(os.Getenv(*tokenEnv)); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %s: %s", path, res.Status, strings.TrimSpace(string(body)))
	}
	var decoded interface{}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(decoded)
}
