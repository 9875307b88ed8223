package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/theroutercompany/exception_handling/internal/openapi"
)

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "openapi export failed: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("openapi", flag.ContinueOnError)
	outPath := fs.String("out", "dist/openapi.json", "Path to write the validated OpenAPI document")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := openapi.NewService().Document(ctx)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := os.WriteFile(*outPath, data, 0o644); err != nil {
		return fmt.Errorf("write document: %w", err)
	}

	fmt.Fprintf(stdout, "OpenAPI document written to %s\n", *outPath)
	return nil
}
