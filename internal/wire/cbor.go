// Package wire defines the encodings scores and embeddings travel in: CBOR
// documents for the HTTP API and Arrow record batches for IPC streams and
// Flight.
package wire

import (
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// maxElements bounds the array sizes a decoded document may declare.
const maxElements = 1 << 26

var decMode = func() cbor.DecMode {
	dm, err := cbor.DecOptions{
		MaxArrayElements: maxElements,
		MaxMapPairs:      64,
	}.DecMode()
	if err != nil {
		panic(err)
	}
	return dm
}()

// TensorPayload is a dense row-major tensor.
type TensorPayload struct {
	Shape []int     `cbor:"shape"`
	Data  []float64 `cbor:"data"`
}

// FromTensor copies t's shape and references its data.
func FromTensor(t *tensor.Tensor) TensorPayload {
	return TensorPayload{Shape: []int(t.Shape().Clone()), Data: t.Data()}
}

// Tensor validates the payload and builds a tensor from it.
func (p TensorPayload) Tensor() (*tensor.Tensor, error) {
	return tensor.New(tensor.Shape(p.Shape), p.Data)
}

// ScoreRequest asks for the scores of h, r and t under an interaction.
type ScoreRequest struct {
	Interaction string        `cbor:"interaction"`
	H           TensorPayload `cbor:"h"`
	R           TensorPayload `cbor:"r"`
	T           TensorPayload `cbor:"t"`
}

// Tensors decodes the three operands.
func (req *ScoreRequest) Tensors() (h, r, t *tensor.Tensor, err error) {
	if h, err = req.H.Tensor(); err != nil {
		return nil, nil, nil, fmt.Errorf("h: %w", err)
	}
	if r, err = req.R.Tensor(); err != nil {
		return nil, nil, nil, fmt.Errorf("r: %w", err)
	}
	if t, err = req.T.Tensor(); err != nil {
		return nil, nil, nil, fmt.Errorf("t: %w", err)
	}
	return h, r, t, nil
}

// ScoreResponse carries a (batch, num_heads, num_relations, num_tails)
// score tensor.
type ScoreResponse struct {
	Interaction string        `cbor:"interaction"`
	Scores      TensorPayload `cbor:"scores"`
}

// DecodeRequest reads one CBOR score request from r.
func DecodeRequest(r io.Reader) (*ScoreRequest, error) {
	var req ScoreRequest
	if err := decMode.NewDecoder(r).Decode(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// EncodeRequest writes req to w as CBOR.
func EncodeRequest(w io.Writer, req *ScoreRequest) error {
	return cbor.NewEncoder(w).Encode(req)
}

// DecodeResponse reads one CBOR score response from r.
func DecodeResponse(r io.Reader) (*ScoreResponse, error) {
	var resp ScoreResponse
	if err := decMode.NewDecoder(r).Decode(&resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EncodeResponse writes resp to w as CBOR.
func EncodeResponse(w io.Writer, resp *ScoreResponse) error {
	return cbor.NewEncoder(w).Encode(resp)
}
