package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/fatih/color"
	"github.com/kilupskalvis/imgsrv/internal/core"
	"github.com/spf13/cobra"
)

var (
	gcAll      bool
	regenAll   bool
	regenForce bool
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify project metadata and renditions",
	Long: `Load every project and count renditions missing from storage.

Projects whose metadata cannot be trusted are reported and never repaired.
Missing renditions can be rebuilt with "imgsrv regen" while the original
exists. Exits non-zero when any project is unhealthy.`,
	Args: cobra.NoArgs,
	Run:  runCheck,
}

var gcCmd = &cobra.Command{
	Use:   "gc [project]",
	Short: "Remove renditions that no project references",
	Long: `Delete rendition files whose image is not in the project's metadata,
such as files left by an interrupted upload or delete. Abandoned upload
spool files are removed as well.

Examples:
  imgsrv gc p1
  imgsrv gc --all`,
	Args: projectOrAll(&gcAll),
	Run:  runGC,
}

var regenCmd = &cobra.Command{
	Use:   "regen [project]",
	Short: "Rebuild missing renditions from stored originals",
	Long: `Re-derive the medium, thumb and game renditions from each image's stored
original. Only missing renditions are rendered unless --force is given.

Examples:
  imgsrv regen p1
  imgsrv regen --all --force`,
	Args: projectOrAll(&regenAll),
	Run:  runRegen,
}

func init() {
	gcCmd.Flags().BoolVar(&gcAll, "all", false, "Collect every project")
	regenCmd.Flags().BoolVar(&regenAll, "all", false, "Regenerate every project")
	regenCmd.Flags().BoolVar(&regenForce, "force", false, "Re-render renditions that already exist")
}

// projectOrAll accepts exactly one project argument, or none with --all.
func projectOrAll(all *bool) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		switch {
		case *all && len(args) > 0:
			return errors.New("a project cannot be combined with --all")
		case !*all && len(args) != 1:
			return errors.New("expected one project id, or --all")
		}
		return nil
	}
}

// signalContext is cancelled on interrupt. Work already holding a project
// lock still completes.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt)
}

func runCheck(cmd *cobra.Command, _ []string) {
	ctx, cancel := signalContext()
	defer cancel()

	c := initContext(ctx)
	defer c.Close()

	results, err := c.Service.Check(ctx)
	if err != nil {
		exitError("check failed: %v", err)
	}
	if len(results) == 0 {
		fmt.Println("No projects")
		return
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed, color.Bold)

	unhealthy := 0
	for _, r := range results {
		switch {
		case r.Err != nil:
			unhealthy++
			red.Printf("  %-24s ", r.ProjectID)
			if errors.Is(r.Err, core.ErrCorruptMetadata) {
				fmt.Printf("corrupt metadata: %v\n", r.Err)
			} else {
				fmt.Printf("error: %v\n", r.Err)
			}
		case r.MissingRenditions > 0:
			unhealthy++
			yellow.Printf("  %-24s ", r.ProjectID)
			fmt.Printf("%d images, %d renditions missing\n", r.Images, r.MissingRenditions)
		default:
			green.Printf("  %-24s ", r.ProjectID)
			fmt.Printf("%d images, ok\n", r.Images)
		}
	}

	fmt.Printf("\n%d projects checked, %d unhealthy\n", len(results), unhealthy)
	if unhealthy > 0 {
		os.Exit(1)
	}
}

func runGC(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	c := initContext(ctx)
	defer c.Close()

	var results []*core.GCResult
	if gcAll {
		all, err := c.Service.GarbageCollectAll(ctx)
		if err != nil {
			exitError("gc failed: %v", err)
		}
		results = all
	} else {
		r, err := c.Service.GarbageCollect(ctx, args[0])
		if err != nil {
			exitError("gc failed: %v", err)
		}
		results = []*core.GCResult{r}
	}

	green := color.New(color.FgGreen)
	deleted := 0
	for _, r := range results {
		deleted += r.BlobsDeleted
		fmt.Printf("  %-24s scanned %d, deleted ", r.ProjectID, r.BlobsScanned)
		if r.BlobsDeleted > 0 {
			green.Printf("%d\n", r.BlobsDeleted)
		} else {
			fmt.Println("0")
		}
	}

	spooled, err := c.Service.CleanScratch(scratchMaxAge)
	if err != nil {
		exitError("clean scratch: %v", err)
	}

	fmt.Printf("\nDeleted %d orphaned renditions and %d abandoned uploads\n", deleted, spooled)
}

func runRegen(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	c := initContext(ctx)
	defer c.Close()

	var results []*core.RegenResult
	if regenAll {
		all, err := c.Service.RegenerateAll(ctx, regenForce)
		if err != nil {
			exitError("regen failed: %v", err)
		}
		results = all
	} else {
		r, err := c.Service.Regenerate(ctx, args[0], regenForce)
		if err != nil {
			exitError("regen failed: %v", err)
		}
		results = []*core.RegenResult{r}
	}

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	generated, missing := 0, 0
	for _, r := range results {
		generated += r.Generated
		missing += len(r.MissingOriginals)
		fmt.Printf("  %-24s %d images, ", r.ProjectID, r.Images)
		green.Printf("%d rendered\n", r.Generated)
		for _, id := range r.MissingOriginals {
			red.Printf("    original missing for %s\n", shortID(id))
		}
	}

	fmt.Printf("\nRendered %d renditions\n", generated)
	if missing > 0 {
		exitError("%d images have no stored original and cannot be regenerated", missing)
	}
}
