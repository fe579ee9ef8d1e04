package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lazypower/grove/internal/store"
)

var (
	pageType  string
	pageBody  string
	pageFile  string
	pageQuery string
)

var pageCmd = &cobra.Command{
	Use:   "page",
	Short: "Create, inspect and delete pages",
}

var pageCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a page from --body, --file, or stdin",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageCreate,
}

var pageShowCmd = &cobra.Command{
	Use:   "show <name>",
	Short: "Print a page with its maturity",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageShow,
}

var pageListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pages",
	Args:  cobra.NoArgs,
	RunE:  runPageList,
}

var pageDeleteCmd = &cobra.Command{
	Use:   "delete <name>",
	Short: "Delete a page",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageDelete,
}

var pageHistoryCmd = &cobra.Command{
	Use:   "history <name>",
	Short: "Show the revision history of a page",
	Args:  cobra.ExactArgs(1),
	RunE:  runPageHistory,
}

func init() {
	pageCmd.PersistentFlags().StringVarP(&pageType, "type", "t", "", "page type: entity, concept, relationship, journal, meta")
	pageCreateCmd.Flags().StringVar(&pageBody, "body", "", "page body")
	pageCreateCmd.Flags().StringVarP(&pageFile, "file", "f", "", "read the body from a file (- for stdin)")
	pageListCmd.Flags().StringVarP(&pageQuery, "query", "q", "", "only pages whose name or body contains this text")

	pageCmd.AddCommand(pageCreateCmd)
	pageCmd.AddCommand(pageShowCmd)
	pageCmd.AddCommand(pageListCmd)
	pageCmd.AddCommand(pageDeleteCmd)
	pageCmd.AddCommand(pageHistoryCmd)
}

func readBody(cmd *cobra.Command) (string, error) {
	switch {
	case pageBody != "":
		return pageBody, nil
	case pageFile == "-":
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	case pageFile != "":
		data, err := os.ReadFile(pageFile)
		return string(data), err
	default:
		return "", fmt.Errorf("one of --body or --file is required")
	}
}

func runPageCreate(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(pageType)
	if err != nil {
		return err
	}
	if typ == "" {
		typ = store.TypeConcept
	}
	body, err := readBody(cmd)
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pages.Create(cmd.Context(), args[0], body, typ)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "created %s/%s (%d links)\n", p.Type, p.Name, len(p.Outgoing()))
	return nil
}

func runPageShow(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(pageType)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pages.Read(cmd.Context(), args[0], typ)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("page %q not found", args[0])
	}
	out := cmd.OutOrStdout()
	m := p.Maturity
	fmt.Fprintf(out, "## %s (%s)\n", p.Title(), p.Type)
	fmt.Fprintf(out, "level %d, depth %.2f, links in %d / out %d, %d since last synthesis\n",
		m.Level, m.DepthScore, m.Connections.Incoming, m.Connections.Outgoing, m.Connections.AddedSinceLastSynthesis)
	if m.LastDeepenedAt != nil {
		fmt.Fprintf(out, "last deepened %s\n", m.LastDeepenedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, strings.TrimSpace(p.Body))
	return nil
}

func runPageList(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(pageType)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	var pages []*store.Page
	if pageQuery != "" {
		pages, err = a.pages.Search(cmd.Context(), pageQuery, typ)
	} else {
		pages, err = a.pages.List(cmd.Context(), typ)
	}
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(pages) == 0 {
		fmt.Fprintln(out, "No pages found.")
		return nil
	}
	for _, p := range pages {
		fmt.Fprintf(out, "%-12s %-40s level %d\n", p.Type, p.Name, p.Maturity.Level)
	}
	return nil
}

func runPageDelete(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(pageType)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	ok, err := a.pages.Delete(cmd.Context(), args[0], typ)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("page %q not found", args[0])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
	return nil
}

func runPageHistory(cmd *cobra.Command, args []string) error {
	typ, err := store.ParsePageType(pageType)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	revs, err := a.pages.History(cmd.Context(), args[0], typ)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(revs) == 0 {
		fmt.Fprintf(out, "No history for %s.\n", args[0])
		return nil
	}
	for _, r := range revs {
		fmt.Fprintf(out, "%4d  %s  %-7s %s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Op, r.Message)
	}
	return nil
}
