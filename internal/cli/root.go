// Package cli wires configuration, storage and the import pipeline into the
// vuln-importer commands.
package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCmd builds the command tree. Tests build their own tree per case.
func NewRootCmd() *cobra.Command {
	var debug bool
	root := &cobra.Command{
		Use:   "vuln-importer",
		Short: "Import vulnerability scanner reports into the asset inventory",
		Long: `vuln-importer reads Nessus scan exports and maps hosts, plugins and
results onto assets, vulnerabilities and findings using the field and
severity mappings stored for each scanner integration.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	root.AddCommand(
		newImportCmd(&debug),
		newSetupCmd(&debug),
		newMigrateCmd(&debug),
		newServeCmd(&debug),
	)
	return root
}

// Execute runs the command tree against os.Args.
func Execute() {
	cobra.CheckErr(NewRootCmd().Execute())
}
