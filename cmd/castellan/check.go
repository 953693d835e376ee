package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/castellan-dev/castellan/internal/config"
	"github.com/castellan-dev/castellan/internal/doctor"
)

// runCheck validates the config file and the host environment it
// points at.
func runCheck(args []string) int {
	fs := newFlagSet("check")
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOut := fs.Bool("json", false, "Output result as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid: %v\n", err)
		return 1
	}

	result := doctor.New(cfg, path).Validate()

	if *jsonOut {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(data))
	} else {
		printResult(path, result)
	}

	if !result.Valid {
		return 1
	}
	return 0
}

func printResult(path string, r *doctor.Result) {
	fmt.Printf("Checking %s\n\n", path)
	for _, issue := range r.Errors {
		fmt.Printf("  [ERROR] %-10s %s", issue.Category, issue.Message)
		if issue.Field != "" {
			fmt.Printf(" (%s)", issue.Field)
		}
		fmt.Println()
	}
	for _, issue := range r.Warnings {
		fmt.Printf("  [WARN]  %-10s %s", issue.Category, issue.Message)
		if issue.Field != "" {
			fmt.Printf(" (%s)", issue.Field)
		}
		fmt.Println()
	}
	if r.Valid {
		fmt.Printf("\nConfiguration OK (%d warnings)\n", len(r.Warnings))
	} else {
		fmt.Printf("\nConfiguration NOT OK (%d errors, %d warnings)\n", len(r.Errors), len(r.Warnings))
	}
}

func runConfigNoun(args []string) int {
	if len(args) < 1 || args[0] == "help" || args[0] == "--help" || args[0] == "-h" {
		fmt.Fprintln(os.Stderr, "Usage: castellan config <action>")
		fmt.Fprintln(os.Stderr, "Actions: hash-update, check")
		if len(args) < 1 {
			return 1
		}
		return 0
	}

	switch args[0] {
	case "hash-update":
		return runConfigHashUpdate(args[1:])
	case "check":
		return runCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown config action: %s\n", args[0])
		return 1
	}
}

// runConfigHashUpdate rewrites the checksum manifest, authorizing the
// current state of the config file.
func runConfigHashUpdate(args []string) int {
	fs := newFlagSet("hash-update")
	configPath := fs.String("config", "", "Path to configuration file")
	dryRun := fs.Bool("dry-run", false, "Show the hash without writing the manifest")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	// Refuse to authorize a config that does not load.
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "Config invalid, not updating checksums: %v\n", err)
		return 1
	}

	hash, err := config.ComputeHash(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash config: %v\n", err)
		return 1
	}

	if *dryRun {
		fmt.Printf("Would authorize %s\n  blake3: %s\n", path, hash)
		return 0
	}

	if err := config.WriteChecksums(path); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write checksum manifest: %v\n", err)
		return 1
	}
	fmt.Printf("Checksums updated for %s\n  blake3: %s\n", path, hash)
	return 0
}
