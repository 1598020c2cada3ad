package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/c360studio/contentgen/generation"
	"github.com/c360studio/contentgen/llm"
)

type generateOptions struct {
	prompt      string
	system      string
	modality    string
	schemaPath  string
	providers   []string
	capability  string
	temperature float64
	maxTokens   int
	imageSize   string
	outputPath  string
}

func generateCmd(root *rootOptions) *cobra.Command {
	opts := &generateOptions{}

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Run one generation request and print the result as JSON",
		Example: `  contentgen generate --prompt "Write a tagline for a coffee shop"
  contentgen generate --modality structured-json --schema post.json --prompt "Instagram post about sunsets"
  contentgen generate --modality image --prompt "A lighthouse at dusk" --output lighthouse.png`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := opts.request(cmd)
			if err != nil {
				return err
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

			res, err := gen.Generate(cmd.Context(), req)
			if err != nil {
				return err
			}

			if opts.outputPath != "" && len(res.Data) > 0 {
				if err := os.WriteFile(opts.outputPath, res.Data, 0644); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
				logger.Info("Wrote image", "path", opts.outputPath, "bytes", len(res.Data), "mime_type", res.MimeType)
				res.Data = nil
			}

			if err := writeJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}
			return failureExit(cmd.ErrOrStderr(), res)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.prompt, "prompt", "p", "", "User prompt (required)")
	f.StringVar(&opts.system, "system", "", "System prompt")
	f.StringVarP(&opts.modality, "modality", "m", string(llm.ModalityText), "Output modality (text, structured-json, image)")
	f.StringVar(&opts.schemaPath, "schema", "", "JSON Schema file for structured-json output")
	f.StringArrayVar(&opts.providers, "provider", nil, "Endpoint to try, in order (repeatable; default is the registry chain)")
	f.StringVar(&opts.capability, "capability", "", "Registry capability to resolve the chain from")
	f.Float64Var(&opts.temperature, "temperature", 0, "Sampling temperature (provider default when unset)")
	f.IntVar(&opts.maxTokens, "max-tokens", 0, "Maximum tokens to generate")
	f.StringVar(&opts.imageSize, "image-size", "", "Image size, e.g. 1024x1024")
	f.StringVarP(&opts.outputPath, "output", "o", "", "Write image data to this file instead of the JSON result")
	_ = cmd.MarkFlagRequired("prompt")

	return cmd
}

// request builds and validates the GenerationRequest described by the flags.
func (o *generateOptions) request(cmd *cobra.Command) (*llm.GenerationRequest, error) {
	req := &llm.GenerationRequest{
		Prompt:     o.prompt,
		System:     o.system,
		Modality:   llm.Modality(o.modality),
		Providers:  o.providers,
		Capability: o.capability,
		Params: llm.Params{
			MaxTokens: o.maxTokens,
			ImageSize: o.imageSize,
		},
	}
	if cmd.Flags().Changed("temperature") {
		temp := o.temperature
		req.Params.Temperature = &temp
	}

	if o.schemaPath != "" {
		schema, err := readSchema(o.schemaPath)
		if err != nil {
			return nil, err
		}
		req.Schema = schema
	}

	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func readSchema(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return schema, nil
}

// failureExit reports an unsuccessful result on stderr and returns exit code 1.
func failureExit(stderr io.Writer, res *llm.GenerationResult) error {
	if err := generation.ResultError(res); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return &exitError{code: 1}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
