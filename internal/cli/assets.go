package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/fieldsync/internal/assets"
)

// AssetsResult is the JSON payload of assets import and refresh.
type AssetsResult struct {
	Imported int `json:"imported"`
	Total    int `json:"total"`
}

// NewAssetsCommand creates the assets command group.
func NewAssetsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assets",
		Short: "Manage the offline asset registry",
		Long: `Manage the local copy of the asset registry used to resolve scanned
patrimony numbers and QR codes while offline.`,
	}

	cmd.AddCommand(newAssetsImportCommand(rootOpts))
	cmd.AddCommand(newAssetsLookupCommand(rootOpts))
	cmd.AddCommand(newAssetsRefreshCommand(rootOpts))

	return cmd
}

func newAssetsImportCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Import a registry export (YAML or JSON)",
		Long: `Import a registry export. The file is either a list of assets or a
mapping with an "assets" list; JSON exports are accepted too.

Example:
  fieldsync assets import ./registry.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			items, err := assets.LoadFile(args[0])
			if err != nil {
				return formatter.Fail("failed to load registry", WrapExitError(ExitCommandError, "load", err))
			}
			formatter.VerboseLog("Loaded %d asset(s) from %s", len(items), args[0])

			return withApp(rootOpts, formatter, func(a *app) error {
				n, err := a.service.ImportAssets(cmd.Context(), items)
				if err != nil {
					return formatter.Fail("import failed", err)
				}
				return writeAssetsResult(cmd, a, formatter, n)
			})
		},
	}
}

func newAssetsLookupCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "lookup <code>",
		Short:         "Resolve a scanned code against the local registry",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, formatter, func(a *app) error {
				asset, err := a.service.Lookup(cmd.Context(), args[0])
				if err != nil {
					return formatter.Fail("lookup failed", err)
				}
				return formatter.Result(asset, func(w io.Writer) {
					fmt.Fprintf(w, "%s  %s\n", asset.ID, asset.PatrimonyNumber)
					if asset.Description != "" {
						fmt.Fprintf(w, "  %s\n", asset.Description)
					}
					if asset.LocationUnit != "" || asset.LocationRoom != "" {
						fmt.Fprintf(w, "  registered at %s %s\n", asset.LocationUnit, asset.LocationRoom)
					}
				})
			})
		},
	}
}

func newAssetsRefreshCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "refresh",
		Short:         "Download the registry from the server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)
			return withApp(rootOpts, formatter, func(a *app) error {
				n, err := a.service.RefreshAssets(cmd.Context())
				if err != nil {
					return formatter.Fail("refresh failed", err)
				}
				return writeAssetsResult(cmd, a, formatter, n)
			})
		},
	}
}

func writeAssetsResult(cmd *cobra.Command, a *app, formatter *OutputFormatter, imported int) error {
	total, err := a.store.CountAssets(cmd.Context())
	if err != nil {
		return formatter.Fail("count assets", err)
	}
	return formatter.Result(AssetsResult{Imported: imported, Total: total}, func(w io.Writer) {
		fmt.Fprintf(w, "✓ Imported %d asset(s), %d in registry\n", imported, total)
	})
}
