package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/cobra"

	"github.com/yourusername/call-intake/internal/callsapi"
	"github.com/yourusername/call-intake/internal/intake"
)

func newAnalyzeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "analyze FILE...",
		Short: "Queue files and analyze them in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := opts.logger()
			defer func() { _ = logger.Sync() }()

			out := cmd.OutOrStdout()
			queue := intake.NewQueue(cfg.MaxFiles, intake.Validator{MaxBytes: cfg.MaxFileSize, Accepted: cfg.AcceptedFormats})

			files := make([]intake.File, 0, len(args))
			for _, path := range args {
				f, err := localFile(path)
				if err != nil {
					fmt.Fprintf(out, "skipped %s: %v\n", path, err)
					continue
				}
				files = append(files, f)
			}

			res, err := queue.Admit(files)
			if err != nil {
				return err
			}
			for _, rej := range res.Rejected {
				fmt.Fprintf(out, "rejected: %s\n", rej.Message)
			}
			if res.Dropped > 0 {
				fmt.Fprintf(out, "dropped %d file(s): the queue holds at most %d\n", res.Dropped, queue.MaxFiles())
			}
			fmt.Fprintln(out, queue.Label())

			analyzer := callsapi.NewAnalyzer(opts.client(cfg, logger))
			orch := intake.NewOrchestrator(queue, analyzer,
				intake.WithTickInterval(cfg.ProgressTick),
				intake.WithConcurrency(cfg.UploadConcurrency),
				intake.WithLogger(logger.Named("intake")),
			)

			printer := newProgressPrinter(out)
			result, err := orch.Run(cmd.Context(), opts.credential(), printer.Observe)
			if errors.Is(err, intake.ErrUnauthenticated) {
				return errors.New("a token is required: use --token or ANALYSIS_API_TOKEN")
			}
			if err != nil {
				return err
			}

			printSummary(out, result)
			if result.Unauthenticated {
				return errors.New("the analysis service rejected the token")
			}
			if result.Failed > 0 {
				return fmt.Errorf("%d of %d file(s) failed", result.Failed, result.Failed+result.Analyzed)
			}
			return nil
		},
	}
}

// localFile はローカルファイルを intake.File として開けるようにします。
func localFile(path string) (intake.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return intake.File{}, err
	}
	if info.IsDir() {
		return intake.File{}, fmt.Errorf("is a directory")
	}
	declared := ""
	if mt, err := mimetype.DetectFile(path); err == nil {
		declared = mt.String()
	}
	return intake.File{
		Name:         filepath.Base(path),
		Size:         info.Size(),
		DeclaredType: declared,
		Ref:          path,
		Open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

func printSummary(out io.Writer, result *intake.RunResult) {
	fmt.Fprintln(out)
	for _, item := range result.Items {
		switch item.Status {
		case intake.StatusAnalyzed:
			fmt.Fprintf(out, "%s: analyzed (call %s)\n", item.FileName, item.CallID)
			if item.Result != nil {
				printScores(out, "  ", item.Result.Scores)
				if o := item.Result.ExecutiveSummary.Outcome; o != "" {
					fmt.Fprintf(out, "  outcome: %s\n", o)
				}
			}
		case intake.StatusFailed:
			fmt.Fprintf(out, "%s: failed: %s\n", item.FileName, item.Error)
		default:
			fmt.Fprintf(out, "%s: %s\n", item.FileName, item.Status)
		}
	}
	fmt.Fprintf(out, "\nanalyzed %d, failed %d, skipped %d\n", result.Analyzed, result.Failed, result.Skipped)
	if result.NavigateTo != "" {
		fmt.Fprintf(out, "next: intake calls show %s\n", result.NavigateTo)
	}
}

func printScores(out io.Writer, indent string, s intake.Scores) {
	fmt.Fprintf(out, "%ssentiment=%s buying_intent=%s closing_probability=%s engagement=%s\n",
		indent, s.Sentiment, s.BuyingIntent, s.ClosingProbability, s.Engagement)
}
