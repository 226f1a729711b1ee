// Package main は通話ファイルの解析をターミナルから実行する CLI です。
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yourusername/call-intake/internal/callsapi"
	"github.com/yourusername/call-intake/internal/config"
	"github.com/yourusername/call-intake/internal/logging"
)

type rootOptions struct {
	token       string
	apiURL      string
	configFile  string
	concurrency int
	timeout     time.Duration
	debug       bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "intake",
		Short:         "Upload sales call recordings and transcripts for analysis",
		Long:          `Queues call files, uploads them to the analysis service and prints the projected results.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.token, "token", "", "Bearer token for the analysis service (default $ANALYSIS_API_TOKEN)")
	flags.StringVar(&opts.apiURL, "api-url", "", "Base URL of the analysis service (default $ANALYSIS_API_URL)")
	flags.StringVar(&opts.configFile, "config", "", "YAML file with queue policy overrides")
	flags.IntVar(&opts.concurrency, "concurrency", 0, "Number of simultaneous uploads (default 1)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "Per-request timeout")
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newAnalyzeCmd(opts), newCallsCmd(opts))
	return cmd
}

// load は環境変数、--config、フラグの順に設定を重ねます。
func (o *rootOptions) load() (*config.Config, error) {
	config.LoadEnvFile()
	cfg := config.FromEnv()
	if o.configFile != "" {
		if err := cfg.ApplyFile(o.configFile); err != nil {
			return nil, err
		}
	}
	if o.apiURL != "" {
		cfg.AnalysisAPIURL = o.apiURL
	}
	if o.concurrency > 0 {
		cfg.UploadConcurrency = o.concurrency
	}
	if o.timeout > 0 {
		cfg.AnalysisAPITimeout = o.timeout
	}
	return cfg, nil
}

func (o *rootOptions) credential() string {
	if o.token != "" {
		return strings.TrimSpace(o.token)
	}
	return strings.TrimSpace(os.Getenv("ANALYSIS_API_TOKEN"))
}

func (o *rootOptions) logger() *zap.Logger {
	if !o.debug {
		return zap.NewNop()
	}
	logger, err := logging.New("debug")
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func (o *rootOptions) client(cfg *config.Config, logger *zap.Logger) *callsapi.Client {
	return callsapi.NewClient(cfg.AnalysisAPIURL, cfg.AnalysisAPITimeout, logger.Named("callsapi"))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
