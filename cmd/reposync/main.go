// Package main implements the reposync command-line tool for mirroring
// package repositories.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/reposync/reposync/internal/mirror"
)

const defaultConfigPath = "/etc/reposync/reposync.toml"

var (
	// Build information - can be set via build flags.
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "reposync",
	Short: "Mirror Debian and RPM package repositories",
	Long: `reposync is a tool for creating and maintaining local mirrors of
Debian/Ubuntu and RPM package repositories over rsync.

It transfers repository metadata first, parses the downloaded package
indices, and then transfers only the package files the repository still
references.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [repo-ids...]",
	Short: "Synchronize one or more repositories",
	Long: `Synchronizes one or more repositories based on the provided configuration.

Usage:
  # Synchronize all repositories in your configuration file
  reposync sync

  # Synchronize only specific repositories
  reposync sync debian rocky

  # Use a custom configuration file
  reposync sync --config /path/to/custom-location.toml

  # Override the log level
  reposync sync --log-level debug

  # Show detailed error information
  reposync sync --verbose-errors

  # Suppress all output except for errors
  reposync sync --quiet

  # Report what would change without transferring anything
  reposync sync --dry-run

If no repository IDs are specified, all repositories in the configuration
file will be synchronized.`,
	Run: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("reposync %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("dry-run", false, "report changes without transferring files")
}

// formatError returns a human-friendly error message, optionally with stack trace
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err) // Full details with stack trace
	}

	// For human-friendly output, try to extract the root message
	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// analyzeUndecoded examines undecoded TOML keys and provides helpful suggestions
func analyzeUndecoded(undecoded []toml.Key) (suggestions []string, unknown []string) {
	// Group keys by their root section for repo typos
	repoGroups := make(map[string]int)

	for _, key := range undecoded {
		keyStr := key.String()

		// Check for the common "repo" vs "repos" typo
		if strings.HasPrefix(keyStr, "repo.") && !strings.HasPrefix(keyStr, "repos.") {
			parts := strings.Split(keyStr, ".")
			if len(parts) >= 2 {
				rootSection := parts[0] + "." + parts[1] // "repo.debian"
				repoGroups[rootSection]++
			}
		} else {
			unknown = append(unknown, keyStr)
		}
	}

	for rootSection, count := range repoGroups {
		correctedSection := strings.Replace(rootSection, "repo.", "repos.", 1)
		if count == 1 {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s'", rootSection, correctedSection))
		} else {
			suggestions = append(suggestions, fmt.Sprintf("Section '%s' should be '%s' (affects %d subsections)", rootSection, correctedSection, count))
		}
	}

	return suggestions, unknown
}

// formatUndecodedError builds a user-friendly error message for undecoded TOML keys
func formatUndecodedError(undecoded []toml.Key) string {
	suggestions, unknown := analyzeUndecoded(undecoded)

	var errorMsg strings.Builder
	if len(suggestions) > 0 {
		errorMsg.WriteString("configuration contains sections that don't match expected structure:\n")
		for _, suggestion := range suggestions {
			errorMsg.WriteString("  • " + suggestion + "\n")
		}
		errorMsg.WriteString("\nNote: Configuration section names are case-sensitive and must match exactly.")
	}

	if len(unknown) > 0 {
		if errorMsg.Len() > 0 {
			errorMsg.WriteString("\n\nAdditionally, found unknown sections: ")
		} else {
			errorMsg.WriteString("configuration contains unknown sections: ")
		}
		errorMsg.WriteString(fmt.Sprintf("%v", unknown))
		errorMsg.WriteString("\nThese sections don't match any expected configuration structure.")
	}

	return errorMsg.String()
}

// loadConfig decodes and validates the configuration file.
func loadConfig(verboseErrors bool) *mirror.Config {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}

	// Check for undecoded keys which might indicate parsing stopped early
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	if err := config.Check(); err != nil {
		slog.Error("invalid configuration", "error", formatError(err, verboseErrors), "path", configPath)
		os.Exit(1)
	}

	return config
}

// applyLogging installs the configured logger, honoring CLI overrides.
func applyLogging(config *mirror.Config, quiet bool) {
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet {
		config.Log.Level = "error"
	}
	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		os.Exit(1)
	}
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")
	quiet, _ := cmd.Flags().GetBool("quiet")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	config := loadConfig(verboseErrors)
	applyLogging(config, quiet)

	// Interrupts stop new transfers from being issued; an in-flight
	// transfer finishes rather than being killed mid-write.
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := mirror.RunOptions{Quiet: quiet, DryRun: dryRun}
	if err := mirror.Run(ctx, config, args, opts); err != nil {
		slog.Error("sync failed", "error", formatError(err, verboseErrors))
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := loadConfig(verboseErrors)
	if err := config.Log.Apply(); err != nil {
		slog.Error("invalid log configuration", "error", err)
		os.Exit(1)
	}

	fmt.Printf("configuration OK: %d repositories\n", len(config.Repos))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
