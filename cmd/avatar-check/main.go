package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loqalabs/loqa-avatar/internal/avatar"
)

var version = "0.1.0-dev"

func main() {
	var (
		dir         string
		concurrency int
	)
	validateCmd := flag.NewFlagSet("validate", flag.ExitOnError)
	validateCmd.StringVar(&dir, "dir", ".", "Path to avatar directory")
	validateCmd.IntVar(&concurrency, "concurrency", 8, "Parallel image decodes")

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'validate' or 'version'")
		os.Exit(2)
	}

	switch os.Args[1] {
	case "validate":
		validateCmd.Parse(os.Args[2:])
		n, err := runValidate(dir, concurrency)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("avatar valid: %d positions\n", n)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
}

func runValidate(dir string, concurrency int) (int, error) {
	manifestPath := filepath.Join(dir, avatar.ManifestFile)
	if _, err := os.Stat(manifestPath); err == nil {
		m, err := avatar.LoadManifest(manifestPath)
		if err != nil {
			return 0, fmt.Errorf("read manifest: %w", err)
		}
		if err := avatar.Validate(m); err != nil {
			return 0, fmt.Errorf("manifest invalid: %w", err)
		}
	}

	loop, err := avatar.Load(context.Background(), dir, concurrency)
	if err != nil {
		return 0, err
	}
	if problems := loop.Verify(); len(problems) > 0 {
		return 0, errors.Join(problems...)
	}
	return loop.Len(), nil
}
