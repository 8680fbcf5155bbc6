package main

import (
	"sort"

	"github.com/pkg/errors"
	"rrhf-go/purego"
	"rrhf-go/rrhf"
)

// tokenizerFactory creates a tokenizer from the --tokenizer-path value
type tokenizerFactory func(path string) (rrhf.Tokenizer, error)

var tokenizerFactories = map[string]tokenizerFactory{
	"simple": func(string) (rrhf.Tokenizer, error) {
		return purego.NewSimpleTokenizer(), nil
	},
	"tiktoken": func(encoding string) (rrhf.Tokenizer, error) {
		return purego.NewTiktokenTokenizer(encoding)
	},
}

func tokenizerNames() []string {
	names := make([]string, 0, len(tokenizerFactories))
	for name := range tokenizerFactories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newTokenizer() (rrhf.Tokenizer, error) {
	name := settings.GetString("tokenizer")
	factory, ok := tokenizerFactories[name]
	if !ok {
		return nil, errors.Errorf("unknown tokenizer %q, choose one of %v", name, tokenizerNames())
	}
	return factory(settings.GetString("tokenizer_path"))
}
