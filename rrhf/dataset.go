package rrhf

import (
	"bufio"
	"bytes"
	"io"
	"math/rand"
	"os"

	"github.com/go-json-experiment/json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// maxLineSize bounds one JSON line of the example file.
const maxLineSize = 64 << 20

// LoadOptions controls how example files are read.
type LoadOptions struct {
	// SkipInvalid drops examples that fail validation, logging them, instead
	// of aborting the load.
	SkipInvalid bool

	// ReferenceTail marks the last ReferenceTail candidates of examples that
	// carry no "reference" key as reference responses.
	ReferenceTail int
}

// LoadExamplesFile reads examples from a JSON-lines file
func LoadExamplesFile(path string, opts LoadOptions) ([]Example, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open examples file %q", path)
	}
	defer f.Close()
	examples, err := LoadExamples(f, opts)
	if err != nil {
		return nil, errors.WithMessagef(err, "loading %q", path)
	}
	return examples, nil
}

// LoadExamples reads one JSON object per line with keys "query", "responses",
// "scores" and optionally "reference". Blank lines are ignored.
func LoadExamples(r io.Reader, opts LoadOptions) ([]Example, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var examples []Example
	skipped := 0
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		ex, err := parseExample(line, opts)
		if err != nil {
			if opts.SkipInvalid {
				klog.Warningf("skipping example on line %d: %v", lineNum, err)
				skipped++
				continue
			}
			return nil, errors.WithMessagef(err, "line %d", lineNum)
		}
		examples = append(examples, ex)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading examples after line %d", lineNum)
	}
	if skipped > 0 {
		klog.Infof("loaded %d examples, skipped %d invalid", len(examples), skipped)
	}
	return examples, nil
}

func parseExample(line []byte, opts LoadOptions) (Example, error) {
	var ex Example
	if err := json.Unmarshal(line, &ex, json.RejectUnknownMembers(true)); err != nil {
		return Example{}, errors.Wrapf(ErrInvalidExample, "malformed JSON: %v", err)
	}
	if len(ex.Reference) == 0 && opts.ReferenceTail > 0 {
		ex.Reference = make([]bool, len(ex.Responses))
		for i := len(ex.Responses) - opts.ReferenceTail; i < len(ex.Responses); i++ {
			if i >= 0 {
				ex.Reference[i] = true
			}
		}
	}
	if err := ex.Validate(); err != nil {
		return Example{}, err
	}
	return ex, nil
}

// EpochBatches splits examples into batches of at most batchSize, in an order
// shuffled by rng. A nil rng keeps the original order.
func EpochBatches(examples []Example, batchSize int, rng *rand.Rand) [][]Example {
	order := make([]int, len(examples))
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) {
			order[i], order[j] = order[j], order[i]
		})
	}
	var batches [][]Example
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		batch := make([]Example, 0, end-start)
		for _, i := range order[start:end] {
			batch = append(batch, examples[i])
		}
		batches = append(batches, batch)
	}
	return batches
}
