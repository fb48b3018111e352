package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pakit/internal/logger"
	"github.com/joshuapare/pakit/partition/addrspace"
)

var (
	// Global flags
	verbose  bool
	quiet    bool
	jsonOut  bool
	poolsCfg string
)

var rootCmd = &cobra.Command{
	Use:   "pactl",
	Short: "Inspect and exercise the partition allocator",
	Long: `pactl prints the allocator's address-space and superpage layout, runs
allocation workloads against partitions with or without quarantine scanning,
and walks through a scan step by step.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose && !quiet {
			logger.Init(logger.Options{Enabled: true, Level: slog.LevelDebug, JSON: jsonOut})
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output and debug logs")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().
		StringVar(&poolsCfg, "pools", "small", "Pool layout to reserve: small or default")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v\n", err)
		os.Exit(1)
	}
}

// poolConfig resolves the --pools flag.
func poolConfig() (addrspace.Config, error) {
	switch poolsCfg {
	case "small":
		return addrspace.SmallConfig(), nil
	case "default":
		return addrspace.DefaultConfig(), nil
	default:
		return addrspace.Config{}, fmt.Errorf("unknown pool layout %q (want small or default)", poolsCfg)
	}
}

// initAddressSpace reserves the pools selected by --pools, unless the
// process already holds a reservation.
func initAddressSpace() (*addrspace.AddressSpace, error) {
	if as := addrspace.Get(); as != nil {
		return as, nil
	}
	cfg, err := poolConfig()
	if err != nil {
		return nil, err
	}
	as, err := addrspace.Init(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve address space: %w", err)
	}
	printVerbose("Reserved %s at %#x\n", formatBytes(as.Size()), as.Base())
	return as, nil
}

// printInfo prints an info message if not in quiet mode
func printInfo(format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printError prints an error message
func printError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format, args...)
}

// printVerbose prints a verbose message if verbose mode is enabled
func printVerbose(format string, args ...any) {
	if verbose && !quiet {
		fmt.Fprintf(os.Stdout, format, args...)
	}
}

// printJSON outputs data as JSON
func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
