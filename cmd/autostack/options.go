package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/deepnoodle-ai/autostack"
	"github.com/deepnoodle-ai/autostack/escape"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/rewrite"
	"github.com/spf13/viper"
)

// structMap parses class=superclass pairs.
func structMap(pairs []string) (escape.SuperMap, error) {
	m := escape.SuperMap{}
	for _, p := range pairs {
		class, super, ok := strings.Cut(p, "=")
		if !ok || class == "" || super == "" {
			return nil, fmt.Errorf("invalid struct mapping %q: want class=superclass", p)
		}
		m[class] = super
	}
	return m, nil
}

// Returns the transformer options selected by flags, environment and
// config file.
func getOptions() ([]autostack.Option, error) {
	mode, ok := rewrite.ParseMode(viper.GetString("mode"))
	if !ok {
		return nil, fmt.Errorf("invalid mode %q: want push or pointer", viper.GetString("mode"))
	}
	if viper.GetBool("use-caller-stack") && viper.GetBool("use-new-stack") {
		return nil, errors.New("use-caller-stack and use-new-stack are mutually exclusive")
	}
	policy := marker.PolicyFresh
	if viper.GetBool("use-caller-stack") {
		policy = marker.PolicyShared
	}
	structs, err := structMap(viper.GetStringSlice("struct"))
	if err != nil {
		return nil, err
	}

	opts := []autostack.Option{
		autostack.WithLogger(logger),
		autostack.WithVerbose(viper.GetBool("verbose")),
		autostack.WithDebugRuntime(viper.GetBool("debug-runtime")),
		autostack.WithCheckStack(viper.GetBool("check-stack")),
		autostack.WithDefaultPolicy(policy),
		autostack.WithMode(mode),
		autostack.WithResolver(structs),
	}
	if prefixes := viper.GetStringSlice("prefix"); len(prefixes) > 0 {
		opts = append(opts, autostack.WithPrefixes(prefixes...))
	}
	if excludes := viper.GetStringSlice("exclude"); len(excludes) > 0 {
		opts = append(opts, autostack.WithExcludes(excludes...))
	}
	if viper.GetBool("trace") {
		opts = append(opts, autostack.WithTrace(os.Stderr))
	}
	return opts, nil
}

func newTransformer() (*autostack.Transformer, error) {
	opts, err := getOptions()
	if err != nil {
		return nil, err
	}
	return autostack.New(opts...), nil
}
