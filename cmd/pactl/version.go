package main

import (
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"

	"github.com/joshuapare/pakit/internal/layout"
)

// Set with -ldflags "-X main.version=... -X main.commit=... -X main.date=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type versionInfo struct {
	Version       string  `json:"version"`
	Commit        string  `json:"commit"`
	Built         string  `json:"built"`
	Go            string  `json:"go"`
	Platform      string  `json:"platform"`
	SuperPageSize uintptr `json:"super_page_size"`
	PageSize      uintptr `json:"system_page_size"`
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version, build and page size information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVersion()
		},
	}
}

// buildVersion falls back to the module version and VCS stamp embedded by
// the go command when the linker flags were not set.
func buildVersion() versionInfo {
	v := versionInfo{
		Version:       version,
		Commit:        commit,
		Built:         date,
		Go:            runtime.Version(),
		Platform:      runtime.GOOS + "/" + runtime.GOARCH,
		SuperPageSize: layout.SuperPageSize,
		PageSize:      layout.SystemPageSize,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return v
	}
	if v.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		v.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch {
		case s.Key == "vcs.revision" && v.Commit == "none":
			v.Commit = s.Value
		case s.Key == "vcs.time" && v.Built == "unknown":
			v.Built = s.Value
		case s.Key == "vcs.modified" && s.Value == "true" && v.Commit != "none":
			v.Commit += "+dirty"
		}
	}
	return v
}

func runVersion() error {
	v := buildVersion()
	if jsonOut {
		return printJSON(v)
	}
	printInfo("pactl %s\n", v.Version)
	printInfo("  commit:    %s\n", v.Commit)
	printInfo("  built:     %s\n", v.Built)
	printInfo("  go:        %s %s\n", v.Go, v.Platform)
	printInfo("  pages:     %s superpages, %s system pages\n", formatBytes(v.SuperPageSize), formatBytes(v.PageSize))
	return nil
}
