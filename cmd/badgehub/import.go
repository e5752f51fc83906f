package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/badgehub/badgehub-core/internal/config"
	"github.com/badgehub/badgehub-core/pkg/resolver"
)

var importRecipients []string

var importCmd = &cobra.Command{
	Use:   "import <url|file|->...",
	Short: "Verify badges and store the accepted ones",
	Long: `Resolve each submission, check that it was issued to one of the given
recipients and store its assertion. Issuers and badge classes already
imported from the same source are reused.

Uses the database configured by BADGEHUB_DB_DRIVER and BADGEHUB_DB_DSN.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.FromEnv()
		if err != nil {
			return err
		}
		logger, err := newLogger()
		if err != nil {
			return err
		}

		inputs := make([]resolver.Input, 0, len(args))
		for _, arg := range args {
			in, err := inputFor(arg)
			if err != nil {
				return err
			}
			inputs = append(inputs, in)
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.importer.ImportBatch(cmd.Context(), inputs, resolver.Options{Recipients: importRecipients})
		if err != nil {
			return err
		}

		var failed int
		for i, res := range results {
			switch {
			case res.Err != nil:
				failed++
				fmt.Printf("FAILED    %s: %v\n", args[i], res.Err)
			case res.Assertion == nil:
				failed++
				codes := make([]string, 0, len(res.Result.Report.Errors()))
				for _, issue := range res.Result.Report.Errors() {
					codes = append(codes, issue.Code)
				}
				fmt.Printf("REJECTED  %s: %s\n", args[i], strings.Join(codes, ", "))
			default:
				fmt.Printf("IMPORTED  %s -> %s\n", args[i], res.Assertion.EntityID)
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d submissions were not imported", failed, len(results))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(importCmd)
	importCmd.Flags().StringSliceVar(&importRecipients, "recipient", nil, "Identifier the badges must be issued to (repeatable)")
	_ = importCmd.MarkFlagRequired("recipient")
}
