package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nainya/fhirstore/internal/server"
)

// The index lives in memory, so reindex is a dry run of the startup rebuild:
// it reads every live resource and reports what the server would index.
func newReindexCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index from storage and report counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd)

			backend, err := server.OpenBackend(cfg.Storage, log)
			if err != nil {
				return err
			}
			defer backend.Close()

			reg, err := server.NewRegistry(cfg, backend, nil, log)
			if err != nil {
				return err
			}

			start := time.Now()
			n, err := reg.Reindex(cmd.Context())
			log.LogStoreOperation("reindex", "*", time.Since(start), err)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range reg.Types() {
				st, _ := reg.Store(t)
				count, err := st.Count(cmd.Context())
				if err != nil {
					return err
				}
				if count > 0 {
					fmt.Fprintf(out, "%-20s %d\n", t, count)
				}
			}
			fmt.Fprintf(out, "indexed %d resources in %s\n", n, time.Since(start).Round(time.Millisecond))
			return nil
		},
	}
}
