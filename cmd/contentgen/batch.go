package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c360studio/contentgen/generation"
	"github.com/c360studio/contentgen/llm"
)

// batchFailure is the output line for a request that could not be started.
type batchFailure struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// maxBatchLine bounds one JSONL request line.
const maxBatchLine = 4 * 1024 * 1024

func batchCmd(root *rootOptions) *cobra.Command {
	var (
		concurrency int
		watch       bool
	)

	cmd := &cobra.Command{
		Use:   "batch [requests.jsonl]",
		Short: "Run JSONL generation requests concurrently",
		Long: `Batch reads one GenerationRequest JSON object per line from the given
file (or stdin) and prints one GenerationResult per line, in input order.
A request that resolves to no provider prints an {"index","success","error"}
line instead. The exit code is 1 when any request did not succeed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer closeIn()

			reqs, err := readRequests(in)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				return fmt.Errorf("no requests in input")
			}

			gen, _, logger, err := newGenerator(cmd, root)
			if err != nil {
				return err
			}
			defer func() {
				if err := gen.Close(); err != nil {
					logger.Warn("Failed to close generator", "error", err)
				}
			}()

			if watch {
				stop, err := watchRegistry(cmd, root, gen, logger)
				if err != nil {
					return err
				}
				defer stop()
			}

			results, err := gen.GenerateBatch(cmd.Context(), reqs, concurrency)
			if results == nil && err != nil {
				return err
			}
			startErrs := batchErrors(err)

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for i, res := range results {
				var line any = res
				if res == nil {
					msg := "request not started"
					if e, ok := startErrs[i]; ok {
						msg = e.Error()
					}
					line = batchFailure{Index: i, Error: msg}
				}
				if err := enc.Encode(line); err != nil {
					return fmt.Errorf("encode output: %w", err)
				}
				if res == nil || !res.Success {
					failed++
				}
			}

			logger.Info("Batch complete", "requests", len(results), "failed", failed)
			if failed > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Maximum requests in flight (default generation.concurrency)")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload the registry from the config file while the batch runs")
	return cmd
}

// openInput opens the file named by args[0], or stdin when args is empty or "-".
func openInput(cmd *cobra.Command, args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

// readRequests parses JSONL requests. Blank lines and # comments are skipped.
func readRequests(r io.Reader) ([]*llm.GenerationRequest, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBatchLine)

	var reqs []*llm.GenerationRequest
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		var req llm.GenerationRequest
		if err := json.Unmarshal([]byte(text), &req); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		if req.Modality == "" {
			req.Modality = llm.ModalityText
		}
		reqs = append(reqs, &req)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read requests: %w", err)
	}
	return reqs, nil
}

// batchErrors indexes the per-request errors joined in err.
func batchErrors(err error) map[int]error {
	out := make(map[int]error)
	if err == nil {
		return out
	}
	errs := []error{err}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	}
	for _, e := range errs {
		var be *generation.BatchError
		if errors.As(e, &be) {
			out[be.Index] = be.Err
		}
	}
	return out
}
