package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/c360studio/contentgen/llm"
)

// recoverOutput is the JSON printed by the recover command.
type recoverOutput struct {
	Success  bool                  `json:"success"`
	Strategy string                `json:"strategy,omitempty"`
	Degraded bool                  `json:"degraded"`
	Value    any                   `json:"value,omitempty"`
	Error    string                `json:"error,omitempty"`
	Attempts []llm.RecoveryAttempt `json:"attempts"`
}

func recoverCmd() *cobra.Command {
	var (
		shape      string
		schemaPath string
	)

	cmd := &cobra.Command{
		Use:   "recover [file]",
		Short: "Run the JSON recovery cascade over raw model output",
		Long: `Recover reads raw LLM output from a file (or stdin) and tries, in order:
direct parse, markdown fence stripping, bracket extraction, regex
extraction, heuristic repair and key-value salvage. It prints which
strategy won and the recovered value. The exit code is 1 when nothing
could be recovered.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			want, err := recoverShape(shape, schemaPath)
			if err != nil {
				return err
			}

			in, closeIn, err := openInput(cmd, args)
			if err != nil {
				return err
			}
			defer closeIn()

			raw, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}

			rec := llm.Recover(string(raw), nil, want)
			out := recoverOutput{
				Success:  rec.OK(),
				Strategy: rec.Strategy,
				Degraded: rec.Degraded,
				Value:    rec.Value,
				Attempts: rec.Attempts,
			}
			if rec.Err != nil {
				out.Error = rec.Err.Error()
			}

			if err := writeJSON(cmd.OutOrStdout(), out); err != nil {
				return err
			}
			if !rec.OK() {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&shape, "shape", "any", "Expected top-level shape (any, object, array)")
	cmd.Flags().StringVar(&schemaPath, "schema", "", "JSON Schema file; its top-level type overrides --shape")
	return cmd
}

func recoverShape(shape, schemaPath string) (llm.Shape, error) {
	if schemaPath != "" {
		schema, err := readSchema(schemaPath)
		if err != nil {
			return llm.ShapeAny, err
		}
		return llm.ShapeOf(schema), nil
	}

	switch shape {
	case "", "any":
		return llm.ShapeAny, nil
	case "object":
		return llm.ShapeObject, nil
	case "array":
		return llm.ShapeArray, nil
	default:
		return llm.ShapeAny, fmt.Errorf("unknown shape %q", shape)
	}
}
