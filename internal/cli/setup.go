package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/solardome/vuln-importer/internal/mapping"
)

func newSetupCmd(debug *bool) *cobra.Command {
	var (
		seedPath string
		replace  bool
	)
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Write the scanner integration, taxonomy and mappings from a seed",
		Long: `Apply a seed file (or the built-in Nessus seed) to the database. Applying
the same seed again is idempotent. With --replace the integration's field
mappings are deleted before the seed's are written.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				seed *mapping.Seed
				err  error
			)
			if strings.TrimSpace(seedPath) == "" {
				seed, err = mapping.DefaultSeed()
			} else {
				seed, err = mapping.LoadSeedFile(seedPath)
			}
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), *debug)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := mapping.ApplySeed(cmd.Context(), a.store, seed, mapping.ApplyOptions{ReplaceFieldMappings: replace})
			if err != nil {
				return fmt.Errorf("apply seed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "integration=%s revision=%d categories=%d subtypes=%d field_mappings=%d severity_mappings=%d\n",
				res.Integration, res.Revision, res.Categories, res.Subtypes, res.FieldMappings, res.SeverityMappings)
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "file", "", "Seed YAML path (default built-in Nessus seed)")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace existing field mappings instead of upserting")
	return cmd
}
