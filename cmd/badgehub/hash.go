package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/badgehub/badgehub-core/pkg/recipient"
)

var (
	hashSalt   string
	hashVerify string
)

var hashCmd = &cobra.Command{
	Use:   "hash <identifier>",
	Short: "Hash or check a recipient identifier",
	Example: `  badgehub hash alice@example.org --salt deadsea
  badgehub hash alice@example.org --salt deadsea --verify 'sha256$...'`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if hashVerify != "" {
			if !recipient.Verify(args[0], hashSalt, hashVerify) {
				return fmt.Errorf("identifier does not match %s", hashVerify)
			}
			fmt.Println("match")
			return nil
		}
		salt := hashSalt
		if salt == "" {
			salt = recipient.NewSalt()
			fmt.Printf("salt: %s\n", salt)
		}
		fmt.Println(recipient.Hash(args[0], salt))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashCmd)
	hashCmd.Flags().StringVar(&hashSalt, "salt", "", "Salt (a fresh one is generated when empty)")
	hashCmd.Flags().StringVar(&hashVerify, "verify", "", "Expected hash to check the identifier against")
}
