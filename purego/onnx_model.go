package purego

import (
	"context"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
	"rrhf-go/rrhf"
)

// ONNXModel implements rrhf.Model using ONNX Runtime. The exported graph must
// take int64 "input_ids" and "attention_mask" of shape [batch, seq] and
// produce float32 "logits" of shape [batch, seq, vocab].
type ONNXModel struct {
	modelPath   string
	vocabSize   int
	numThreads  int
	initialized bool
}

// NewONNXModel creates a new ONNX-based model. The ONNX Runtime shared
// library is located through ort.SetSharedLibraryPath by the caller, or the
// platform default.
func NewONNXModel(modelPath string, vocabSize, numThreads int) (*ONNXModel, error) {
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, errors.Wrap(err, "failed to initialize ONNX runtime")
		}
	}
	if numThreads <= 0 {
		numThreads = 4
	}
	klog.Infof("ONNX runtime initialized for %s (vocab %d)", modelPath, vocabSize)
	return &ONNXModel{
		modelPath:   modelPath,
		vocabSize:   vocabSize,
		numThreads:  numThreads,
		initialized: true,
	}, nil
}

// Forward runs the whole batch through one session
func (m *ONNXModel) Forward(ctx context.Context, inputIDs [][]int, attentionMask [][]bool) (*rrhf.Tensor, error) {
	if !m.initialized {
		return nil, errors.New("model not initialized")
	}
	batchSize := len(inputIDs)
	if batchSize == 0 {
		return nil, errors.New("no sequences to process")
	}
	seqLen := len(inputIDs[0])

	idsData := make([]int64, 0, batchSize*seqLen)
	maskData := make([]int64, 0, batchSize*seqLen)
	for i, row := range inputIDs {
		if len(row) != seqLen || len(attentionMask[i]) != seqLen {
			return nil, errors.Wrapf(rrhf.ErrShapeMismatch, "row %d has length %d (mask %d), expected %d",
				i, len(row), len(attentionMask[i]), seqLen)
		}
		for j, id := range row {
			idsData = append(idsData, int64(id))
			if attentionMask[i][j] {
				maskData = append(maskData, 1)
			} else {
				maskData = append(maskData, 0)
			}
		}
	}

	inputShape := ort.NewShape(int64(batchSize), int64(seqLen))
	idsTensor, err := ort.NewTensor(inputShape, idsData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create input_ids tensor")
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(inputShape, maskData)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create attention_mask tensor")
	}
	defer maskTensor.Destroy()

	outputShape := ort.NewShape(int64(batchSize), int64(seqLen), int64(m.vocabSize))
	outputTensor, err := ort.NewEmptyTensor[float32](outputShape)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create logits tensor")
	}
	defer outputTensor.Destroy()

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session options")
	}
	defer options.Destroy()
	if err := options.SetIntraOpNumThreads(m.numThreads); err != nil {
		return nil, errors.Wrap(err, "failed to set threads")
	}

	session, err := ort.NewAdvancedSession(
		m.modelPath,
		[]string{"input_ids", "attention_mask"},
		[]string{"logits"},
		[]ort.Value{idsTensor, maskTensor},
		[]ort.Value{outputTensor},
		options,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	defer session.Destroy()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := session.Run(); err != nil {
		return nil, errors.Wrap(err, "inference failed")
	}

	// The output tensor is destroyed on return, so copy the logits out.
	data := make([]float32, batchSize*seqLen*m.vocabSize)
	copy(data, outputTensor.GetData())
	return rrhf.FromData(data, batchSize, seqLen, m.vocabSize)
}

// Close cleans up resources
func (m *ONNXModel) Close() error {
	m.initialized = false
	return nil
}

// VocabSize returns the vocabulary size
func (m *ONNXModel) VocabSize() int {
	return m.vocabSize
}
