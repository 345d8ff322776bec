package main

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/nainya/fhirstore/pkg/resource"
	"github.com/nainya/fhirstore/pkg/validation"
)

func newValidateCommand(root *rootOptions) *cobra.Command {
	var (
		mode     string
		profiles []string
		format   string
	)

	cmd := &cobra.Command{
		Use:   "validate <resource.json>",
		Short: "Validate a resource file against the loaded profiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", format)
			}
			m, ok := validation.ParseMode(mode)
			if !ok {
				return fmt.Errorf("invalid mode %q", mode)
			}
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			r, err := resource.JSONCodec{}.Unmarshal(data)
			if err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}

			set, err := validation.LoadProfileDir(cfg.Validation.ProfileDir)
			if err != nil {
				return err
			}
			v := validation.NewValidator(set, validation.WithResourceTypes(cfg.ResourceTypes...))
			result, err := v.Validate(cmd.Context(), r, m, profiles)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return err
				}
			} else {
				for _, is := range result.Issues {
					fmt.Fprintf(out, "%-11s %-14s %s\n", is.Severity, is.Code, is.Diagnostics)
				}
				if len(result.Issues) == 0 {
					fmt.Fprintln(out, "ok")
				}
			}

			if !result.Success() {
				return fmt.Errorf("%s is invalid: %d errors", args[0], result.Errors()+result.Fatals())
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "create", "validation mode (create|update|delete|profile)")
	cmd.Flags().StringSliceVar(&profiles, "profile", nil, "extra profile urls to check")
	cmd.Flags().StringVar(&format, "format", "text", "output format (text|json)")
	return cmd
}
