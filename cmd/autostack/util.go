package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/hokaccha/go-prettyjson"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/tebeka/atexit"
)

var red = color.New(color.FgRed).SprintFunc()

func fatal(msg interface{}) {
	var s string
	switch msg := msg.(type) {
	case string:
		s = msg
	case error:
		s = msg.Error()
	default:
		s = fmt.Sprintf("%v", msg)
	}
	fmt.Fprintf(os.Stderr, "%s\n", red(s))
	atexit.Exit(1)
}

func isTerminal(f *os.File) bool {
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// Reads global flags from Viper and adjusts the environment accordingly.
func processGlobalFlags() {
	if viper.GetBool("no-color") || !isTerminal(os.Stdout) {
		color.NoColor = true
	}
	level, err := zerolog.ParseLevel(strings.ToLower(viper.GetString("log-level")))
	if err != nil {
		fatal(fmt.Errorf("invalid log level %q", viper.GetString("log-level")))
	}
	if viper.GetBool("verbose") && level > zerolog.DebugLevel {
		level = zerolog.DebugLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{
		Out:     os.Stderr,
		NoColor: viper.GetBool("no-color") || !isTerminal(os.Stderr),
	}).Level(level).With().Timestamp().Str("run", runID[:8]).Logger()
}

func printJSON(v any) error {
	var (
		data []byte
		err  error
	)
	if color.NoColor {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = prettyjson.Marshal(v)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
