// Package interaction implements knowledge-graph embedding interaction
// functions: DistMult, ComplEx and ConvE.
//
// Every function maps batched head, relation and tail representations to a
// dense (batch, num_heads, num_relations, num_tails) score tensor. Inputs are
// (batch, dim) or (batch, k, dim) where k enumerates candidates; a leading
// axis of 1 is shared across the batch.
package interaction

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/text/cases"

	"github.com/23skdu/longbow-kge/internal/tensor"
)

// ErrUnknownInteraction is returned by Lookup for unregistered names.
var ErrUnknownInteraction = errors.New("interaction: unknown interaction")

// Interaction scores head/relation/tail triples.
type Interaction interface {
	Name() string
	Score(h, r, t *tensor.Tensor) (*tensor.Tensor, error)
}

// DistMultInteraction adapts DistMult to Interaction.
type DistMultInteraction struct{}

func (DistMultInteraction) Name() string { return "distmult" }

func (DistMultInteraction) Score(h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	return DistMult(h, r, t)
}

// ComplExInteraction adapts ComplEx to Interaction.
type ComplExInteraction struct{}

func (ComplExInteraction) Name() string { return "complex" }

func (ComplExInteraction) Score(h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	return ComplEx(h, r, t)
}

// ConvEInteraction adapts ConvE to Interaction. The tail representation
// carries its bias as the last feature, so t has EmbeddingDim+1 features.
// Rank-2 inputs get a unit candidate axis.
type ConvEInteraction struct {
	Stack *ConvEStack
}

func (ConvEInteraction) Name() string { return "conve" }

func (c ConvEInteraction) Score(h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	if c.Stack == nil {
		return nil, errIncompleteStack
	}
	var err error
	if h, err = withCandidateAxis(h); err != nil {
		return nil, err
	}
	if r, err = withCandidateAxis(r); err != nil {
		return nil, err
	}
	if t, err = withCandidateAxis(t); err != nil {
		return nil, err
	}
	dim := c.Stack.EmbeddingDim
	if t.Dim(-1) != dim+1 {
		return nil, fmt.Errorf("%w: conve tail needs %d features (embedding + bias), got %d",
			tensor.ErrShapeMismatch, dim+1, t.Dim(-1))
	}
	emb, err := t.Narrow(-1, 0, dim)
	if err != nil {
		return nil, err
	}
	bias, err := t.Narrow(-1, dim, 1)
	if err != nil {
		return nil, err
	}
	if bias, err = bias.Squeeze(-1); err != nil {
		return nil, err
	}
	return ConvE(h, r, emb, bias, c.Stack)
}

func withCandidateAxis(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Rank() == 2 {
		return x.Unsqueeze(1)
	}
	return x, nil
}

// foldName case-folds a registry key. Casers are stateful, so each call
// gets its own.
func foldName(name string) string {
	return cases.Fold().String(name)
}

// Registry maps case-insensitive names to interactions.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Interaction
}

// NewRegistry creates a registry holding ixs.
func NewRegistry(ixs ...Interaction) *Registry {
	reg := &Registry{items: make(map[string]Interaction)}
	for _, ix := range ixs {
		reg.Register(ix)
	}
	return reg
}

// Register adds ix under its name, replacing any previous entry.
func (reg *Registry) Register(ix Interaction) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.items[foldName(ix.Name())] = ix
}

// Lookup finds an interaction by name, ignoring case.
func (reg *Registry) Lookup(name string) (Interaction, error) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	ix, ok := reg.items[foldName(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownInteraction, name)
	}
	return ix, nil
}

// Names lists the registered names in sorted order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.items))
	for name := range reg.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instrument wraps ix with call, latency and error metrics.
func Instrument(ix Interaction) Interaction {
	return instrumented{Interaction: ix}
}

type instrumented struct {
	Interaction
}

func (i instrumented) Score(h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	name := i.Name()
	start := time.Now()
	scores, err := i.Interaction.Score(h, r, t)
	scoreDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	scoreCalls.WithLabelValues(name).Inc()
	if err != nil {
		scoreErrors.WithLabelValues(name).Inc()
		return nil, err
	}
	scoresProduced.WithLabelValues(name).Add(float64(scores.Len()))
	return scores, nil
}
