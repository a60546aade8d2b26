package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/snarg/callscope/internal/ingest"
	"github.com/snarg/callscope/internal/telemetry"
	"github.com/spf13/cobra"
)

var (
	analyzeLongInterruption float64
	analyzePretty           bool
)

// analyzeOutput is one line of analyze command output.
type analyzeOutput struct {
	File    string                 `json:"file"`
	CallID  string                 `json:"call_id,omitempty"`
	Summary *telemetry.CallSummary `json:"summary,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file...]",
	Short: "Analyze transcript files offline and print summaries as JSON",
	Long: `Reads transcript JSON files (the same shapes accepted by the ingest API,
a full envelope or a bare call object) and prints one JSON summary per file.
With no arguments, or "-", the transcript is read from stdin. No database is
needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			args = []string{"-"}
		}
		opts := telemetry.SummaryOptions{LongInterruptionThreshold: analyzeLongInterruption}

		enc := json.NewEncoder(cmd.OutOrStdout())
		if analyzePretty {
			enc.SetIndent("", "  ")
		}

		failed := 0
		for _, path := range args {
			out := analyzeFile(cmd.InOrStdin(), path, opts)
			if out.Error != "" {
				failed++
			}
			if err := enc.Encode(out); err != nil {
				return err
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d transcripts could not be analyzed", failed, len(args))
		}
		return nil
	},
}

func init() {
	analyzeCmd.Flags().Float64Var(&analyzeLongInterruption, "long-interruption", telemetry.DefaultLongInterruption,
		"seconds above which an interruption is counted as long")
	analyzeCmd.Flags().BoolVar(&analyzePretty, "pretty", false, "indent JSON output")
}

func analyzeFile(stdin io.Reader, path string, opts telemetry.SummaryOptions) analyzeOutput {
	out := analyzeOutput{File: path}

	var (
		payload []byte
		err     error
	)
	if path == "-" {
		payload, err = io.ReadAll(stdin)
	} else {
		payload, err = os.ReadFile(path)
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}

	env, err := ingest.ParseTranscript(payload)
	if err == nil {
		err = ingest.ValidateMessages(env.Call.Messages)
	}
	if err != nil {
		out.Error = err.Error()
		return out
	}

	summary := telemetry.Summarize(env.Turns(), opts)
	out.CallID = env.Call.ID
	out.Summary = &summary
	return out
}
