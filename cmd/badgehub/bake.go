package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/badgehub/badgehub-core/pkg/bake"
)

var bakeOut string

var bakeCmd = &cobra.Command{
	Use:   "bake <image> <payload>",
	Short: "Embed a badge into a PNG or SVG image",
	Long: `Embed an assertion JSON document or compact signature into an image.

The payload is read from a file, or from stdin when given as "-". Any badge
already baked into the image is replaced.`,
	Example: `  badgehub bake badge.png assertion.json -o baked.png
  curl -s https://badges.example.org/public/assertions/1 | badgehub bake badge.svg - -o baked.svg`,
	Args: cobra.ExactArgs(2),
	RunE: func(_ *cobra.Command, args []string) error {
		img, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read image: %w", err)
		}
		payload, err := readInput(args[1])
		if err != nil {
			return err
		}
		payload = bytes.TrimSpace(payload)
		if payload[0] == '{' {
			var buf bytes.Buffer
			if err := json.Compact(&buf, payload); err != nil {
				return fmt.Errorf("payload is not valid JSON: %w", err)
			}
			payload = buf.Bytes()
		}

		baked, err := bake.Bake(img, payload)
		if err != nil {
			return err
		}
		if bakeOut == "" || bakeOut == "-" {
			_, err = os.Stdout.Write(baked)
			return err
		}
		if err := os.WriteFile(bakeOut, baked, 0o644); err != nil {
			return fmt.Errorf("failed to write image: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Baked %s into %s\n", bake.Detect(baked).ContentType(), bakeOut)
		return nil
	},
}

var unbakeCmd = &cobra.Command{
	Use:   "unbake <image>",
	Short: "Extract the badge baked into an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		img, err := readInput(args[0])
		if err != nil {
			return err
		}
		payload, baked, err := bake.Unbake(img)
		if err != nil {
			return err
		}
		if !baked {
			return fmt.Errorf("%s is not a baked badge", args[0])
		}
		var out bytes.Buffer
		if json.Indent(&out, payload, "", "  ") != nil {
			out.Reset()
			out.Write(payload)
		}
		out.WriteByte('\n')
		_, err = out.WriteTo(os.Stdout)
		return err
	},
}

// readInput reads a file, or stdin for "-".
func readInput(path string) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	return data, nil
}

func init() {
	rootCmd.AddCommand(bakeCmd)
	rootCmd.AddCommand(unbakeCmd)
	bakeCmd.Flags().StringVarP(&bakeOut, "out", "o", "", "Output file (stdout when empty)")
}
