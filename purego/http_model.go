package purego

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
	"rrhf-go/rrhf"
)

// ForwardRequest is the body POSTed to <server>/forward
type ForwardRequest struct {
	InputIDs      [][]int  `json:"input_ids"`
	AttentionMask [][]bool `json:"attention_mask"`
}

// ForwardResponse is the body returned by <server>/forward: flat row-major
// logits and their [batch, seq, vocab] shape.
type ForwardResponse struct {
	Logits []float32 `json:"logits"`
	Shape  []int     `json:"shape"`
}

// ModelInfo is returned by <server>/info
type ModelInfo struct {
	VocabSize  int    `json:"vocab_size"`
	EOSTokenID int    `json:"eos_token_id"`
	PadTokenID int    `json:"pad_token_id"`
	ModelType  string `json:"model_type"`
}

// HTTPModel implements rrhf.Model by calling a model server over HTTP.
type HTTPModel struct {
	serverURL string
	client    *http.Client
	info      ModelInfo
}

// NewHTTPModel connects to the server and fetches its model info
func NewHTTPModel(ctx context.Context, serverURL string, timeout time.Duration) (*HTTPModel, error) {
	m := &HTTPModel{
		serverURL: strings.TrimRight(serverURL, "/"),
		client:    &http.Client{Timeout: timeout},
	}
	if err := m.call(ctx, http.MethodGet, "/info", nil, &m.info); err != nil {
		return nil, errors.WithMessage(err, "failed to connect to model server")
	}
	klog.Infof("connected to %s model at %s (vocab: %d)", m.info.ModelType, m.serverURL, m.info.VocabSize)
	return m, nil
}

// Info returns the model info reported by the server
func (m *HTTPModel) Info() ModelInfo {
	return m.info
}

// Forward sends the batch to the server and returns its logits
func (m *HTTPModel) Forward(ctx context.Context, inputIDs [][]int, attentionMask [][]bool) (*rrhf.Tensor, error) {
	var resp ForwardResponse
	req := ForwardRequest{InputIDs: inputIDs, AttentionMask: attentionMask}
	if err := m.call(ctx, http.MethodPost, "/forward", &req, &resp); err != nil {
		return nil, err
	}
	logits, err := rrhf.FromData(resp.Logits, resp.Shape...)
	if err != nil {
		return nil, errors.WithMessage(err, "bad logits from model server")
	}
	return logits, nil
}

func (m *HTTPModel) call(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "failed to encode %s request", path)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, m.serverURL+path, body)
	if err != nil {
		return errors.WithStack(err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s response", path)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}

// Close cleans up resources
func (m *HTTPModel) Close() error {
	m.client.CloseIdleConnections()
	return nil
}
