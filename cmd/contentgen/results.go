package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"

	"github.com/c360studio/contentgen/storage"
)

func resultsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect results archived in NATS KV",
		Long: `Results reads the archive written when sinks.nats.results_bucket is set.
Every generation, including failed and degraded ones, is stored under its
request ID.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <request-id>",
		Short: "Print one archived result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer closeStore()

			rec, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rec)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print a summary line per archived result, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openStore(cmd, root)
			if err != nil {
				return err
			}
			defer closeStore()

			records, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, rec := range records {
				res := rec.Result
				_, _ = fmt.Fprintf(out, "%s\t%s\t%s\tsuccess=%t\tdegraded=%t\tprovider=%s\n",
					rec.SavedAt.Format("2006-01-02T15:04:05Z07:00"), rec.RequestID, res.State,
					res.Success, res.Degraded, res.Provider)
			}
			return nil
		},
	})

	return cmd
}

// openStore connects to the configured NATS server and opens the results bucket.
func openStore(cmd *cobra.Command, root *rootOptions) (*storage.Store, func(), error) {
	cfg, logger, err := loadConfig(cmd, root)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Sinks.NATS.URL == "" {
		return nil, nil, fmt.Errorf("sinks.nats.url is not configured")
	}
	bucket := cfg.Sinks.NATS.ResultsBucket
	if bucket == "" {
		bucket = storage.DefaultBucket
	}

	nc, err := nats.Connect(cfg.Sinks.NATS.URL, nats.Name("contentgen-cli"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to nats: %w", err)
	}
	closeConn := func() {
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain NATS connection", "error", err)
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeConn()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	store, err := storage.NewStore(cmd.Context(), js, storage.WithBucket(bucket))
	if err != nil {
		closeConn()
		return nil, nil, err
	}
	return store, closeConn, nil
}
