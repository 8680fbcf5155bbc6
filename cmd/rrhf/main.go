// rrhf trains and inspects ranked-preference batches from the command line.
//
//	rrhf validate --data train.jsonl
//	rrhf collate --data train.jsonl --batch-size 2
//	rrhf train --data train.jsonl --model bigram --num-epochs 3 --progress
//
// Every training option can also come from a config file (--config) or an
// RRHF_ environment variable, e.g. RRHF_LENGTH_PENALTY=0.5.
package main

import (
	"flag"
	"os"
	"strings"

	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"k8s.io/klog/v2"
	"rrhf-go/rrhf"
)

var (
	settings   = viper.New()
	configFile string

	rootCmd = &cobra.Command{
		Use:           "rrhf",
		Short:         "Ranked-preference (RRHF) batch builder and loss engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile == "" {
				return nil
			}
			settings.SetConfigFile(configFile)
			if err := settings.ReadInConfig(); err != nil {
				return errors.Wrapf(err, "failed to read config %q", configFile)
			}
			klog.V(1).Infof("using config file %s", settings.ConfigFileUsed())
			return nil
		},
	}
)

// configFlags maps config keys to their flag names.
var configFlags = map[string]string{
	"model_max_length": "model-max-length",
	"length_penalty":   "length-penalty",
	"rrhf_weight":      "rrhf-weight",
	"stop_response":    "stop-response",
	"stop_markers":     "stop-markers",
	"only_use_provide": "only-use-provide",
	"only_use_sample":  "only-use-sample",
	"batch_size":       "batch-size",
	"num_epochs":       "num-epochs",
	"prefetch_batches": "prefetch-batches",
	"seed":             "seed",
	"query_cache_size": "query-cache-size",
	"data":             "data",
	"skip_invalid":     "skip-invalid",
	"reference_tail":   "reference-tail",
	"tokenizer":        "tokenizer",
	"tokenizer_path":   "tokenizer-path",
}

func init() {
	defaults := rrhf.DefaultConfig()
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, json or toml)")
	flags.Int("model-max-length", defaults.ModelMaxLength, "maximum query plus response tokens per slot")
	flags.Float64("length-penalty", defaults.LengthPenalty, "exponent applied to the response token count")
	flags.Float64("rrhf-weight", defaults.RRHFWeight, "multiplier of the ranking loss")
	flags.Bool("stop-response", defaults.StopResponse, "cut responses at the first stop marker")
	flags.StringSlice("stop-markers", escapeMarkers(defaults.StopMarkers), `stop markers, with \n for newlines`)
	flags.Bool("only-use-provide", false, "train on reference responses only")
	flags.Bool("only-use-sample", false, "train on sampled responses only")
	flags.Int("batch-size", defaults.BatchSize, "examples per batch")
	flags.Int("num-epochs", defaults.NumEpochs, "passes over the data")
	flags.Int("prefetch-batches", defaults.PrefetchBatches, "batches collated ahead of the model")
	flags.Int64("seed", defaults.Seed, "shuffling and initialization seed")
	flags.Int("query-cache-size", defaults.QueryCacheSize, "memoized query tokenizations, 0 disables")
	flags.String("data", "", "JSON-lines file of examples")
	flags.Bool("skip-invalid", false, "skip invalid examples instead of failing")
	flags.Int("reference-tail", 0, "mark the last N candidates of examples without \"reference\" as references")
	flags.String("tokenizer", "simple", "tokenizer: "+strings.Join(tokenizerNames(), ", "))
	flags.String("tokenizer-path", "", "tokenizer encoding name or file, depending on --tokenizer")

	for key, name := range configFlags {
		must.M(settings.BindPFlag(key, flags.Lookup(name)))
	}
	settings.SetEnvPrefix("RRHF")
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()

	rootCmd.AddCommand(validateCmd, collateCmd, trainCmd)
}

func escapeMarkers(markers []string) []string {
	escaped := make([]string, len(markers))
	for i, m := range markers {
		escaped[i] = strings.ReplaceAll(m, "\n", `\n`)
	}
	return escaped
}

func unescapeMarkers(markers []string) []string {
	unescaped := make([]string, len(markers))
	for i, m := range markers {
		unescaped[i] = strings.ReplaceAll(m, `\n`, "\n")
	}
	return unescaped
}

// loadConfig builds the rrhf configuration from flags, environment and the
// config file, in that order of precedence.
func loadConfig() (rrhf.Config, error) {
	cfg := rrhf.Config{
		ModelMaxLength:  settings.GetInt("model_max_length"),
		LengthPenalty:   settings.GetFloat64("length_penalty"),
		RRHFWeight:      settings.GetFloat64("rrhf_weight"),
		StopResponse:    settings.GetBool("stop_response"),
		StopMarkers:     unescapeMarkers(settings.GetStringSlice("stop_markers")),
		OnlyUseProvide:  settings.GetBool("only_use_provide"),
		OnlyUseSample:   settings.GetBool("only_use_sample"),
		BatchSize:       settings.GetInt("batch_size"),
		NumEpochs:       settings.GetInt("num_epochs"),
		PrefetchBatches: settings.GetInt("prefetch_batches"),
		Seed:            settings.GetInt64("seed"),
		QueryCacheSize:  settings.GetInt("query_cache_size"),
	}
	if err := cfg.Validate(); err != nil {
		return rrhf.Config{}, errors.WithMessage(err, "invalid configuration")
	}
	return cfg, nil
}

func loadExamples() ([]rrhf.Example, error) {
	path := settings.GetString("data")
	if path == "" {
		return nil, errors.New("--data is required")
	}
	return rrhf.LoadExamplesFile(path, rrhf.LoadOptions{
		SkipInvalid:   settings.GetBool("skip_invalid"),
		ReferenceTail: settings.GetInt("reference_tail"),
	})
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)
	defer klog.Flush()

	if err := rootCmd.Execute(); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}
