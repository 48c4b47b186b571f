package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/deepnoodle-ai/autostack"
	"github.com/deepnoodle-ai/autostack/internal/archive"
	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan <file.class|file.jar>",
	Short: "Report the decision taken for every method without writing anything",
	Args:  cobra.ExactArgs(1),
	RunE:  scanHandler,
}

func init() {
	scanCmd.Flags().StringP("output", "o", "table", "output format: table or json")
}

func scanHandler(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	if format != "table" && format != "json" {
		return fmt.Errorf("unknown output format %q", format)
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	tr, err := newTransformer()
	if err != nil {
		return err
	}
	summary, err := scan(tr, args[0], data)
	if err != nil {
		return err
	}
	if format == "json" {
		return printJSON(summary)
	}
	summary.Print(os.Stdout)
	return nil
}

// scan reports on a class file or on every selected class of a jar.
// Classes that cannot be parsed are logged and left out.
func scan(tr *autostack.Transformer, path string, data []byte) (*autostack.Summary, error) {
	var units []string
	var classes [][]byte
	if strings.HasSuffix(path, ".jar") {
		var err error
		if units, classes, err = archive.Entries(data); err != nil {
			return nil, err
		}
	} else {
		units, classes = []string{classUnit(path, data)}, [][]byte{data}
	}
	var reports []*autostack.ClassReport
	for i, unit := range units {
		if !tr.Accepts(unit) {
			continue
		}
		report, err := tr.Scan(unit, classes[i])
		if report == nil {
			logger.Warn().Err(err).Str("unit", unit).Msg("class skipped")
			continue
		}
		reports = append(reports, report)
	}
	return autostack.Summarize(runID, reports), nil
}
