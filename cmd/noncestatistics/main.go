package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "noncestatistics [flags] FILE",
	Short: "noncestatistics collects ApNonces from an iOS device in recovery mode",
	Long: `Puts a device into recovery mode, then repeatedly reads its ApNonce and
resets it, appending every nonce to FILE. When done (or interrupted with ^C)
auto-boot is enabled again and the device is reset once more.

With --statistics, FILE is read instead and a report on nonces that occurred
more than once is printed. FILE may be - for stdin, or xz-compressed.`,
	Example: `  noncestatistics -t 100 nonces.txt
  noncestatistics -e 12345678abcd nonces.txt
  noncestatistics -a
  noncestatistics -s nonces.txt`,
	Args: func(cmd *cobra.Command, args []string) error {
		// --abort never touches FILE.
		abort, _ := cmd.Flags().GetBool("abort")
		statistics, _ := cmd.Flags().GetBool("statistics")
		if abort && !statistics && len(args) <= 1 {
			return nil
		}
		if len(args) != 1 {
			if err := cmd.Usage(); err != nil {
				return err
			}
			return fmt.Errorf("expected exactly one FILE argument, got %d", len(args))
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

var configFile string

func init() {
	fs := rootCmd.Flags()
	fs.StringP("ecid", "e", "", "ECID of the device to use, decimal or hex (default: first device found)")
	fs.IntP("times", "t", 0, "Number of nonces to collect, 0 to collect until interrupted")
	fs.BoolP("abort", "a", false, "Do not collect, only enable auto-boot and reset the device")
	fs.BoolP("statistics", "s", false, "Print statistics about the nonces in FILE")
	fs.BoolP("verbose", "v", false, "Enable verbose debug logging")
	fs.Bool("no-color", false, "Disable colored output")
	fs.StringVar(&configFile, "config", "", "Config file (default: $XDG_CONFIG_HOME/noncestatistics/config.yaml)")
	fs.String("devices", "", "Plist file with extra hardware models (default: $XDG_CONFIG_HOME/noncestatistics/devices.plist)")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("Failed", "err", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd.Flags(), configFile)
	if err != nil {
		return err
	}
	if cfg.Verbose {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if cfg.NoColor {
		color.NoColor = true
	}

	var path string
	if len(args) > 0 {
		path = args[0]
	}
	if cfg.Statistics {
		return runStatistics(cmd.OutOrStdout(), path)
	}
	return runCollect(cmd.Context(), cmd.OutOrStdout(), cfg, path)
}

// parseECID parses a decimal ECID, or a hex one if s contains anything but
// digits. Invalid input, including a 0x prefix, yields 0, which matches any
// device.
func parseECID(s string) uint64 {
	if s == "" {
		return 0
	}
	if res, err := strconv.ParseUint(s, 10, 64); err == nil {
		return res
	}
	res, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0
	}
	return res
}
