package main

import (
	"fmt"
	"os"

	"github.com/deepnoodle-ai/autostack/dis"
	"github.com/spf13/cobra"
)

var disCmd = &cobra.Command{
	Use:   "dis <file.class>",
	Short: "Disassemble the methods of a class file",
	Args:  cobra.ExactArgs(1),
	RunE:  disHandler,
}

func init() {
	disCmd.Flags().String("method", "", "only show methods with this name")
	disCmd.Flags().StringP("output", "o", "table", "output format: table or json")
}

func disHandler(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	className, methods, err := dis.DisassembleClass(data)
	if err != nil {
		return err
	}

	// If a method name was provided, show that method only
	if name, _ := cmd.Flags().GetString("method"); name != "" {
		var selected []*dis.Method
		for _, m := range methods {
			if m.Name == name {
				selected = append(selected, m)
			}
		}
		if len(selected) == 0 {
			return fmt.Errorf("method %q not found in %s", name, className)
		}
		methods = selected
	}

	switch format, _ := cmd.Flags().GetString("output"); format {
	case "json":
		return printJSON(map[string]any{"class": className, "methods": methods})
	case "table", "":
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
	fmt.Println(className)
	for _, m := range methods {
		fmt.Println()
		dis.PrintMethod(m, os.Stdout)
	}
	return nil
}
