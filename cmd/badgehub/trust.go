package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/go-jose/go-jose/v4"
	"github.com/spf13/cobra"

	"github.com/badgehub/badgehub-core/pkg/resolver"
	"github.com/badgehub/badgehub-core/pkg/trust"
)

var (
	trustDir      string
	trustIssuer   string
	trustFromJWKS string
)

var trustCmd = &cobra.Command{
	Use:   "trust",
	Short: "Manage trusted issuer keys",
	Long: `Manage the local trust store used to verify signed assertions offline.

Location: ~/.badgehub/trust/ (or $BADGEHUB_TRUST_PATH, or --dir)`,
}

var trustAddCmd = &cobra.Command{
	Use:   "add [jwk-file]",
	Short: "Add a public key to the trust store",
	Example: `  # Add from a JWK file, trusted for one issuer
  badgehub trust add issuer.pub.jwk --issuer https://example.edu/issuer.json

  # Add every key of a JWKS
  badgehub trust add --from-jwks https://example.edu/.well-known/jwks.json

  # Add from stdin
  curl -s https://example.edu/.well-known/jwks.json | badgehub trust add --from-jwks -`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := trust.NewFileStore(trustDir)
		if err != nil {
			return fmt.Errorf("failed to open trust store: %w", err)
		}
		if trustFromJWKS != "" {
			return addFromJWKS(cmd, store, trustFromJWKS)
		}
		if len(args) == 0 {
			return fmt.Errorf("provide a JWK file path or use --from-jwks")
		}
		return addFromJWKFile(store, args[0])
	},
}

func addFromJWKFile(store *trust.FileStore, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	var key jose.JSONWebKey
	if err := json.Unmarshal(data, &key); err != nil {
		return fmt.Errorf("failed to parse JWK: %w", err)
	}
	if key.KeyID == "" {
		return fmt.Errorf("JWK must have a key ID (kid)")
	}
	if err := store.Add(key); err != nil {
		return fmt.Errorf("failed to add key: %w", err)
	}
	if trustIssuer != "" {
		if err := store.AddIssuerMapping(trustIssuer, key.KeyID); err != nil {
			return fmt.Errorf("failed to map issuer: %w", err)
		}
	}
	fmt.Printf("Added key: %s\n", key.KeyID)
	fmt.Printf("   Algorithm: %s\n", key.Algorithm)
	return nil
}

func addFromJWKS(cmd *cobra.Command, store *trust.FileStore, source string) error {
	var data []byte
	issuerURL := trustIssuer
	if source == "-" {
		var err error
		if data, err = readInput("-"); err != nil {
			return err
		}
	} else {
		if issuerURL == "" {
			issuerURL = strings.TrimSuffix(source, "/.well-known/jwks.json")
		}
		resp, err := resolver.NewHTTPFetcher(resolver.DefaultFetcherOptions()).Fetch(cmd.Context(), source, resolver.AcceptJSON)
		if err != nil {
			return fmt.Errorf("failed to fetch JWKS: %w", err)
		}
		data = resp.Body
	}

	var jwks jose.JSONWebKeySet
	if err := json.Unmarshal(data, &jwks); err != nil {
		return fmt.Errorf("failed to parse JWKS: %w", err)
	}
	if len(jwks.Keys) == 0 {
		return fmt.Errorf("JWKS contains no keys")
	}
	if err := store.AddFromJWKS(&jwks, issuerURL); err != nil {
		return fmt.Errorf("failed to add keys: %w", err)
	}
	fmt.Printf("Added %d key(s)\n", len(jwks.Keys))
	for _, k := range jwks.Keys {
		fmt.Printf("   - %s (%s)\n", k.KeyID, k.Algorithm)
	}
	return nil
}

var trustListCmd = &cobra.Command{
	Use:   "list",
	Short: "List trusted keys",
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := trust.NewFileStore(trustDir)
		if err != nil {
			return fmt.Errorf("failed to open trust store: %w", err)
		}
		keys, err := store.List()
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			fmt.Println("No trusted keys.")
			return nil
		}
		for _, k := range keys {
			fmt.Printf("%s\t%s\n", k.KeyID, k.Algorithm)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trustCmd)
	trustCmd.AddCommand(trustAddCmd)
	trustCmd.AddCommand(trustListCmd)

	trustCmd.PersistentFlags().StringVar(&trustDir, "dir", "", "Trust store directory")
	trustAddCmd.Flags().StringVar(&trustIssuer, "issuer", "", "Issuer id the key is trusted for")
	trustAddCmd.Flags().StringVar(&trustFromJWKS, "from-jwks", "", "JWKS URL, or - for stdin")
}
