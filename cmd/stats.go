package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/wegman-software/osmstore-go/internal/capacity"
)

var statsCmd = &cobra.Command{
	Use:   "stats <file>...",
	Short: "Print entity counts of stores",
	Args:  cobra.MinimumNArgs(1),
	Run:   runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) {
	ctx, cancel := signalContext()
	defer cancel()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STORE\tNODES\tWAYS\tRELATIONS\tSTRINGS\tSIZE\tREPLICATION")
	for _, path := range args {
		st, release, err := openStore(ctx, path, "")
		if err != nil {
			exitWithError("failed to open "+path, err)
		}
		s := st.Stats()
		h := st.Header()
		repl := "-"
		if h.ReplicationSequence > 0 {
			repl = fmt.Sprintf("%d (%s)", h.ReplicationSequence, h.ReplicationTimestamp.Format(time.RFC3339))
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\t%s\n",
			st.ID(), s.Nodes, s.Ways, s.Relations, s.Strings, capacity.FormatBytes(s.Bytes), repl)
		release()
	}
	tw.Flush()
}
