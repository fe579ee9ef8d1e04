package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/grove/internal/retrieval"
	"github.com/lazypower/grove/internal/store"
)

var (
	contextType      string
	contextMaxTokens int
	contextEntries   int
)

var contextCmd = &cobra.Command{
	Use:   "context <query>",
	Short: "Assemble a reading context for a query from the graph",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runContext,
}

var orphansCmd = &cobra.Command{
	Use:   "orphans",
	Short: "List pages nothing links to",
	Args:  cobra.NoArgs,
	RunE:  runOrphans,
}

var brokenCmd = &cobra.Command{
	Use:   "broken",
	Short: "List links to pages that do not exist",
	Args:  cobra.NoArgs,
	RunE:  runBroken,
}

func init() {
	contextCmd.Flags().StringVarP(&contextType, "type", "t", "", "only start from pages of this type")
	contextCmd.Flags().IntVar(&contextMaxTokens, "max-tokens", 0, "approximate size budget (0 uses config)")
	contextCmd.Flags().IntVarP(&contextEntries, "entries", "n", 0, "number of entry points (0 uses config)")
}

func runContext(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(contextType)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.engine.Retrieve(cmd.Context(), strings.Join(args, " "), retrieval.RetrieveOptions{
		Type:        typ,
		EntryPoints: contextEntries,
		MaxTokens:   contextMaxTokens,
	})
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), c.Text)
	if c.Truncated {
		fmt.Fprintln(cmd.ErrOrStderr(), "(context truncated to the token budget)")
	}
	return nil
}

func runOrphans(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	pages, err := a.pages.FindOrphans(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pages) == 0 {
		fmt.Fprintln(out, "No orphan pages.")
		return nil
	}
	for _, p := range pages {
		fmt.Fprintf(out, "%s/%s\n", p.Type, p.Name)
	}
	return nil
}

func runBroken(cmd *cobra.Command, args []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	links, err := a.pages.FindBrokenLinks(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(links) == 0 {
		fmt.Fprintln(out, "No broken links.")
		return nil
	}
	for _, l := range links {
		fmt.Fprintf(out, "%s/%s -> [[%s]]\n", l.SourceType, l.Source, l.Target)
	}
	return nil
}
