package keys

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"filippo.io/age"

	"zmt/internal/config"
	"zmt/internal/crypto"
)

func Generate(_ context.Context) error {
	fmt.Println("Generating age public and private key pair...")

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Println("\n=== Age Key Pair Generated ===")
	fmt.Printf("Public key:  %s\n", identity.Recipient().String())
	fmt.Printf("Private key: %s\n", identity.String())
	fmt.Println("\n!! Keep your private key secure !!")
	fmt.Println("Set the public key as age_recipient in the config to encrypt artifacts.")

	return nil
}

func Test(_ context.Context, configPath, identityPath string) error {
	fmt.Println("Testing age key pair compatibility...")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.AgeRecipient == "" {
		return fmt.Errorf("config has no age_recipient, nothing to test against")
	}
	fmt.Printf("Public key from config: %s\n", cfg.AgeRecipient)

	identities, err := crypto.LoadIdentities(identityPath)
	if err != nil {
		return fmt.Errorf("failed to load private key: %w", err)
	}
	fmt.Printf("Private key loaded from: %s\n", identityPath)

	testContent := "zmt key pair test " + time.Now().Format(time.RFC3339)

	fmt.Println("\nEncrypting test data with public key...")

	enc, err := crypto.EncryptingReader(strings.NewReader(testContent), cfg.AgeRecipient)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}
	ciphertext, err := io.ReadAll(enc)
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	fmt.Println("Encryption successful")
	fmt.Println("Decrypting test data with private key...")

	dec, err := crypto.DecryptReader(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return fmt.Errorf("decryption failed: %w\nThis means the private key does not match the public key in config", err)
	}
	decrypted, err := io.ReadAll(dec)
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	fmt.Println("Decryption successful")

	if string(decrypted) != testContent {
		return fmt.Errorf("content mismatch: decrypted content does not match original")
	}

	fmt.Println("Content verification successful")

	return nil
}
