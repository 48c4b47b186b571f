package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/spf13/cobra"
)

var classCmd = &cobra.Command{
	Use:   "class <file.class>",
	Short: "Transform a single class file",
	Args:  cobra.ExactArgs(1),
	RunE:  classHandler,
}

func init() {
	classCmd.Flags().StringP("output", "o", "", "output file (default: overwrite the input)")
}

func classHandler(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	tr, err := newTransformer()
	if err != nil {
		return err
	}
	out, err := tr.Transform(classUnit(path, data), data)
	if err != nil {
		logger.Warn().Err(err).Str("file", path).Msg("some methods were left unchanged")
	}
	if out == nil {
		if err != nil {
			return err
		}
		logger.Info().Str("file", path).Msg("nothing to transform")
		return nil
	}
	dst, _ := cmd.Flags().GetString("output")
	if dst == "" {
		dst = path
	}
	if err := os.WriteFile(dst, out, 0o644); err != nil {
		return err
	}
	logger.Info().Str("file", dst).Msg("class written")
	return nil
}

// classUnit returns the internal name of a class file, falling back to
// the file name when the class cannot be parsed.
func classUnit(path string, data []byte) string {
	if class, err := classfile.Parse(data); err == nil {
		return class.Name()
	}
	return strings.TrimSuffix(filepath.Base(path), ".class")
}
