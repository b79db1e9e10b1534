package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sarchlab/mmusim/datarecording"
	"github.com/sarchlab/mmusim/tracing"
	"github.com/spf13/cobra"
)

var reportCmd = &cobra.Command{
	Use:   "report [database]",
	Short: "Summarize the events recorded by run --record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reader, err := datarecording.NewReader(
			strings.TrimSuffix(args[0], ".sqlite3"))
		if err != nil {
			return err
		}
		defer reader.Close()

		counts, err := reader.CountBy(tracing.EventTable, "What")
		if err != nil {
			return err
		}

		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)

		out := cmd.OutOrStdout()
		for _, name := range names {
			fmt.Fprintf(out, "%-12s %d\n", name, counts[name])
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)
}
