//go:build tokenizers
// +build tokenizers

package main

import (
	"github.com/janpfeifer/must"
	"rrhf-go/purego"
	"rrhf-go/rrhf"
)

func init() {
	tokenizerFactories["hf"] = func(path string) (rrhf.Tokenizer, error) {
		return purego.NewHFTokenizer(path, settings.GetInt("eos_id"), settings.GetInt("pad_id"), true)
	}
	flags := rootCmd.PersistentFlags()
	flags.Int("eos-id", 2, "end-of-sequence token id of the hf tokenizer")
	flags.Int("pad-id", 0, "padding token id of the hf tokenizer")
	must.M(settings.BindPFlag("eos_id", flags.Lookup("eos-id")))
	must.M(settings.BindPFlag("pad_id", flags.Lookup("pad-id")))
}
