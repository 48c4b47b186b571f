package main

import (
	"fmt"
	"strings"

	"github.com/gofrs/uuid"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tebeka/atexit"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

var (
	cfgFile string
	runID   = uuid.Must(uuid.NewV4()).String()
	logger  = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "autostack",
	Short: "Scope LWJGL MemoryStack allocations in JVM class files",
	Long: `autostack rewrites class files so that every method allocating from the
LWJGL MemoryStack opens and closes its own stack frame, or reuses its
caller's frame when the allocated memory is returned or stored.`,
	Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		processGlobalFlags()
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.autostack.yaml)")
	pf.StringSlice("prefix", nil, "only transform classes whose internal name starts with one of these prefixes")
	pf.StringSlice("exclude", nil, "never transform classes starting with these prefixes (default java/, javax/, sun/, org/lwjgl/)")
	pf.BoolP("verbose", "v", false, "log the decision taken for every method")
	pf.Bool("debug-runtime", false, "print a line at run time whenever a scope is opened or closed")
	pf.Bool("trace", false, "print a disassembly of every transformed method")
	pf.Bool("check-stack", false, "verify the stack pointer when a method releases its scope")
	pf.Bool("use-caller-stack", false, "share the caller's frame in methods whose allocations do not escape")
	pf.Bool("use-new-stack", false, "open a new frame in methods whose allocations do not escape (default)")
	pf.String("mode", "push", "how a new frame is opened and closed: push or pointer")
	pf.StringSlice("struct", nil, "class=superclass pairs used to recognize struct types")
	pf.String("log-level", "info", "log level: debug, info, warn or error")
	pf.Bool("no-color", false, "disable colored output")
	pf.String("region", "", "AWS region for s3:// locations")
	pf.IntP("workers", "j", 0, "classes transformed in parallel (default: number of CPUs)")

	viper.BindPFlags(pf)
	viper.BindEnv("no-color", "NO_COLOR")
	// Unprefixed names are accepted as well.
	viper.BindEnv("verbose", "AUTOSTACK_VERBOSE", "DEBUG_TRANSFORM")
	viper.BindEnv("debug-runtime", "AUTOSTACK_DEBUG_RUNTIME", "DEBUG_RUNTIME")
	viper.BindEnv("trace", "AUTOSTACK_TRACE", "TRACE")
	viper.BindEnv("check-stack", "AUTOSTACK_CHECK_STACK", "CHECK_STACK")

	rootCmd.AddCommand(jarCmd, classCmd, disCmd, scanCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := homedir.Dir()
		if err != nil {
			fatal(err)
		}
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".autostack")
	}
	viper.SetEnvPrefix("autostack")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && cfgFile != "" {
			fatal(fmt.Errorf("read config %s: %w", cfgFile, err))
		}
	}
}

func main() {
	atexit.Register(func() {
		logger.Debug().Str("run", runID).Msg("exit")
	})
	if err := rootCmd.Execute(); err != nil {
		fatal(err)
	}
	atexit.Exit(0)
}
