// Package main is the entry point for s3gate-meta, the upload-store
// export/import and key codec tool.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/s3gate/s3gate/internal/config"
	"github.com/s3gate/s3gate/internal/keycodec"
	"github.com/s3gate/s3gate/internal/serialization"
)

const usage = "Usage: s3gate-meta <export|import|keys> [flags]"

// resolveDBPath returns the sqlite upload store path from the config file.
func resolveDBPath(configPath string) (string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", err
	}
	if cfg.Multipart.Store.Engine != "sqlite" {
		fmt.Fprintf(os.Stderr, "Warning: configured upload store engine is %q, not sqlite\n", cfg.Multipart.Store.Engine)
	}
	return cfg.Multipart.Store.StorePath(), nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "export":
		os.Exit(runExport(os.Args[2:]))
	case "import":
		os.Exit(runImport(os.Args[2:]))
	case "keys":
		os.Exit(runKeys(os.Args[2:], os.Stdout))
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n%s\n", os.Args[1], usage)
		os.Exit(1)
	}
}

func dbPathFlag(fs *flag.FlagSet) func() (string, error) {
	configPath := fs.String("config", "config.yaml", "Config file path")
	dbPath := fs.String("db", "", "SQLite upload store path (overrides config)")
	return func() (string, error) {
		if *dbPath != "" {
			return *dbPath, nil
		}
		return resolveDBPath(*configPath)
	}
}

func runExport(args []string) int {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := dbPathFlag(fs)
	output := fs.String("output", "-", "Output file path (- for stdout)")
	tables := fs.String("tables", "", "Comma-separated table names")
	fs.Parse(args)

	db, err := dbPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	opts := &serialization.ExportOptions{Tables: serialization.AllTables}
	if *tables != "" {
		opts.Tables = nil
		for _, t := range strings.Split(*tables, ",") {
			opts.Tables = append(opts.Tables, strings.TrimSpace(t))
		}
	}

	result, err := serialization.ExportMetadata(db, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
		return 1
	}

	if *output == "-" {
		fmt.Println(result)
		return 0
	}
	if err := os.WriteFile(*output, []byte(result+"\n"), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "Exported to %s\n", *output)
	return 0
}

func runImport(args []string) int {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := dbPathFlag(fs)
	input := fs.String("input", "-", "Input file path (- for stdin)")
	replace := fs.Bool("replace", false, "Replace mode (DELETE then INSERT)")
	fs.Parse(args)

	db, err := dbPath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading config: %v\n", err)
		return 1
	}

	var jsonData []byte
	if *input == "-" {
		jsonData, err = io.ReadAll(os.Stdin)
	} else {
		jsonData, err = os.ReadFile(*input)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading input: %v\n", err)
		return 1
	}

	result, err := serialization.ImportMetadata(db, string(jsonData), &serialization.ImportOptions{Replace: *replace})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error importing: %v\n", err)
		return 1
	}

	for _, table := range serialization.AllTables {
		count, ok := result.Counts[table]
		if !ok {
			continue
		}
		msg := fmt.Sprintf("  %s: %d imported", table, count)
		if skip := result.Skipped[table]; skip > 0 {
			msg += fmt.Sprintf(", %d skipped", skip)
		}
		fmt.Fprintln(os.Stderr, msg)
	}
	for _, w := range result.Warnings {
		fmt.Fprintf(os.Stderr, "  WARNING: %s\n", w)
	}
	return 0
}

// runKeys maps object keys to backend file names and back.
func runKeys(args []string, out io.Writer) int {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: s3gate-meta keys <encode|decode> <value>...")
		return 1
	}
	for _, v := range args[1:] {
		switch args[0] {
		case "encode":
			fmt.Fprintln(out, keycodec.Encode(v))
		case "decode":
			key, err := keycodec.Decode(v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				return 1
			}
			fmt.Fprintln(out, key)
		default:
			fmt.Fprintf(os.Stderr, "Unknown keys command: %s\n", args[0])
			return 1
		}
	}
	return 0
}
