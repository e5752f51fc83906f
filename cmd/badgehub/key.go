package main

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"

	"github.com/badgehub/badgehub-core/internal/config"
)

var (
	keyAlg        string
	keyOutPrivate string
	keyOutPublic  string
	keyIssuer     string
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage signing keys",
}

var keyGenCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a signing key pair",
	Long: `Generate a key pair for signing assertions.

Outputs the private key as a JWK (for BADGEHUB_SIGNING_KEY_FILE) and the
public key as a JWK (for "badgehub key register" or "badgehub trust add").
The key id is the RFC 7638 thumbprint of the public key.`,
	Example: `  badgehub key generate
  badgehub key generate --alg ES256 --out-priv issuer.key.jwk --out-pub issuer.pub.jwk`,
	RunE: func(_ *cobra.Command, _ []string) error {
		priv, alg, err := generateKey(keyAlg)
		if err != nil {
			return err
		}
		privJwk := jose.JSONWebKey{Key: priv, Algorithm: string(alg), Use: "sig"}
		pubJwk := privJwk.Public()

		thumb, err := pubJwk.Thumbprint(crypto.SHA256)
		if err != nil {
			return fmt.Errorf("failed to compute thumbprint: %w", err)
		}
		kid := base64.RawURLEncoding.EncodeToString(thumb)
		privJwk.KeyID = kid
		pubJwk.KeyID = kid

		privBytes, err := json.MarshalIndent(privJwk, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(keyOutPrivate, privBytes, 0o600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		fmt.Printf("Private key saved to %s\n", keyOutPrivate)

		pubBytes, err := json.MarshalIndent(pubJwk, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(keyOutPublic, pubBytes, 0o644); err != nil {
			return fmt.Errorf("failed to write public key: %w", err)
		}
		fmt.Printf("Public key saved to %s\n", keyOutPublic)
		fmt.Printf("Key id: %s\n", kid)
		return nil
	},
}

var keyRegisterCmd = &cobra.Command{
	Use:   "register <public-jwk-file>",
	Short: "Publish a public key for an issuer",
	Long: `Register a public key as a signing key of a stored issuer. The key is
added to the trust store and published as a CryptographicKey document.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(data, &jwk); err != nil {
			return fmt.Errorf("failed to parse JWK: %w", err)
		}

		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		key, err := a.service.RegisterKey(cmd.Context(), keyIssuer, jwk)
		if err != nil {
			return err
		}
		fmt.Printf("Registered key %s\n", key.EntityID)
		fmt.Printf("  Published at: %s\n", key.KeyURL)
		return nil
	},
}

func generateKey(alg string) (crypto.Signer, jose.SignatureAlgorithm, error) {
	switch strings.ToUpper(alg) {
	case "EDDSA", "ED25519":
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, jose.EdDSA, err
	case "ES256":
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		return priv, jose.ES256, err
	case "RS256":
		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		return priv, jose.RS256, err
	}
	return nil, "", fmt.Errorf("unsupported algorithm %q (use Ed25519, ES256 or RS256)", alg)
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyGenCmd)
	keyCmd.AddCommand(keyRegisterCmd)

	keyGenCmd.Flags().StringVar(&keyAlg, "alg", "Ed25519", "Key algorithm (Ed25519, ES256, RS256)")
	keyGenCmd.Flags().StringVar(&keyOutPrivate, "out-priv", "private.jwk", "Output path for the private key (JWK)")
	keyGenCmd.Flags().StringVar(&keyOutPublic, "out-pub", "public.jwk", "Output path for the public key (JWK)")

	keyRegisterCmd.Flags().StringVar(&keyIssuer, "issuer", "", "Entity id of the issuer owning the key")
	_ = keyRegisterCmd.MarkFlagRequired("issuer")
}
