package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/badgehub/badgehub-core/internal/config"
	"github.com/badgehub/badgehub-core/pkg/report"
	"github.com/badgehub/badgehub-core/pkg/resolver"
	"github.com/badgehub/badgehub-core/pkg/revocation"
	"github.com/badgehub/badgehub-core/pkg/trust"
)

var (
	verifyRecipients   []string
	verifySkipImage    bool
	verifyJSON         bool
	verifyAllowPrivate bool
	verifyTimeout      time.Duration
	verifyTrustDir     string
)

var verifyCmd = &cobra.Command{
	Use:   "verify <url|file|->",
	Short: "Resolve and validate a badge",
	Long: `Resolve a badge from a hosted assertion URL, an assertion JSON document,
a compact signed assertion or a baked PNG/SVG image, then validate the
assertion, badge class and issuer it references.

Exits non-zero when the badge is rejected.`,
	Example: `  badgehub verify https://badges.example.org/public/assertions/1
  badgehub verify baked.png --recipient alice@example.org
  badgehub verify assertion.json --json`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		in, err := inputFor(args[0])
		if err != nil {
			return err
		}

		ts, err := trust.NewFileStore(verifyTrustDir)
		if err != nil {
			return fmt.Errorf("failed to open trust store: %w", err)
		}
		rc := config.Default().Resolver
		rc.Timeout = verifyTimeout
		rc.AllowPrivateHosts = verifyAllowPrivate
		r, _ := newResolver(rc, ts, revocation.NewMemoryCache(), nil, logger)

		res, err := r.Resolve(cmd.Context(), in, resolver.Options{
			Recipients: verifyRecipients,
			SkipImage:  verifySkipImage,
		})
		if err != nil {
			return err
		}

		if verifyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(verifyOutputOf(res)); err != nil {
				return err
			}
		} else {
			printResult(res)
		}
		if !res.Accepted() {
			return fmt.Errorf("badge rejected")
		}
		return nil
	},
}

type verifyOutput struct {
	Status     resolver.Status `json:"status"`
	Input      string          `json:"input"`
	Version    string          `json:"version,omitempty"`
	Assertion  string          `json:"assertion,omitempty"`
	BadgeClass string          `json:"badgeclass,omitempty"`
	Issuer     string          `json:"issuer,omitempty"`
	Signed     bool            `json:"signed"`
	Issues     []report.Issue  `json:"issues"`
}

func verifyOutputOf(res *resolver.Result) verifyOutput {
	out := verifyOutput{
		Status:     res.Status,
		Input:      res.Input.String(),
		Assertion:  res.AssertionURL,
		BadgeClass: res.BadgeClassURL,
		Issuer:     res.IssuerURL,
		Signed:     res.Signature != "",
		Issues:     res.Report.Issues,
	}
	if res.Version != "" {
		out.Version = res.Version.Dotted()
	}
	if out.Issues == nil {
		out.Issues = []report.Issue{}
	}
	return out
}

func printResult(res *resolver.Result) {
	out := verifyOutputOf(res)
	status := strings.ToUpper(string(out.Status))
	if out.Version != "" {
		fmt.Printf("%s (OBI %s, %s input)\n", status, out.Version, out.Input)
	} else {
		fmt.Printf("%s (%s input)\n", status, out.Input)
	}
	for _, line := range [][2]string{
		{"Assertion", out.Assertion},
		{"Badge", out.BadgeClass},
		{"Issuer", out.Issuer},
	} {
		if line[1] != "" {
			fmt.Printf("  %-10s %s\n", line[0]+":", line[1])
		}
	}
	if res.Signer != nil && res.Signer.Valid {
		fmt.Printf("  %-10s %s\n", "Signed by:", res.Signer.KeyURL)
	}
	for _, issue := range out.Issues {
		fmt.Printf("  [%s] %s\n", issue.Severity, issue)
	}
}

// inputFor classifies a command line argument as a URL or reads it as a file.
func inputFor(arg string) (resolver.Input, error) {
	if resolver.IsURL(arg) {
		return resolver.URLInput(arg), nil
	}
	data, err := readInput(arg)
	if err != nil {
		return resolver.Input{}, err
	}
	return resolver.DetectInput(data), nil
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().StringSliceVar(&verifyRecipients, "recipient", nil, "Identifier the badge must be issued to (repeatable)")
	verifyCmd.Flags().BoolVar(&verifySkipImage, "skip-image", false, "Do not fetch and decode the badge image")
	verifyCmd.Flags().BoolVar(&verifyJSON, "json", false, "Print the result as JSON")
	verifyCmd.Flags().BoolVar(&verifyAllowPrivate, "allow-private", false, "Allow fetching from private and loopback hosts")
	verifyCmd.Flags().DurationVar(&verifyTimeout, "timeout", 10*time.Second, "Per-request fetch timeout")
	verifyCmd.Flags().StringVar(&verifyTrustDir, "trust-dir", "", "Trust store directory (default ~/.badgehub/trust)")
}
