package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-kge/internal/cache"
	"github.com/23skdu/longbow-kge/internal/client"
	"github.com/23skdu/longbow-kge/internal/interaction"
	"github.com/23skdu/longbow-kge/internal/tensor"
	"github.com/23skdu/longbow-kge/internal/wire"
)

const arrowStreamType = "application/vnd.apache.arrow.stream"

// errTooLarge is returned for requests whose estimated footprint exceeds
// the whole memory budget.
var errTooLarge = errors.New("request exceeds memory budget")

// Upstream scores requests for interactions this server does not host.
type Upstream interface {
	Score(ctx context.Context, req *wire.ScoreRequest) (*wire.ScoreResponse, error)
}

type Server struct {
	registry *interaction.Registry
	cache    cache.ScoreCache
	upstream Upstream
	alloc    memory.Allocator
	sem      *semaphore.Weighted
	budget   int64
}

// NewServer creates a scoring server admitting at most budget bytes of
// tensors at a time. scoreCache and upstream may be nil.
func NewServer(registry *interaction.Registry, scoreCache cache.ScoreCache, upstream Upstream, budget int64) *Server {
	return &Server{
		registry: registry,
		cache:    scoreCache,
		upstream: upstream,
		alloc:    memory.NewGoAllocator(),
		sem:      semaphore.NewWeighted(budget),
		budget:   budget,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/score", s.handleScore)
	mux.HandleFunc("/score/arrow", s.handleScoreArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func startServer(addr string, srv *Server) {
	log.Info().Str("addr", addr).Strs("interactions", srv.registry.Names()).Msg("Starting KGE Server")
	if srv.upstream != nil {
		log.Info().Msg("Forwarding unknown interactions to upstream scorer")
	}
	if err := http.ListenAndServe(addr, srv.routes()); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("kge-server")

// requestID returns the caller's correlation id or a fresh one.
func requestID(r *http.Request) string {
	if id := r.Header.Get(client.RequestIDHeader); id != "" {
		return id
	}
	return uuid.New().String()
}

// admissionWeight estimates the bytes of the broadcast score computation:
// batch x heads x relations x tails x dim float64 values.
func admissionWeight(h, r, t *tensor.Tensor) int64 {
	batch, cells, dim := 1, 1, 1
	for _, x := range []*tensor.Tensor{h, r, t} {
		batch = max(batch, x.Dim(0))
		dim = max(dim, x.Dim(-1))
		if x.Rank() == 3 {
			cells *= x.Dim(1)
		}
	}
	return int64(batch) * int64(cells) * int64(dim) * 8
}

// score evaluates the named interaction under admission control, serving
// repeated requests from the cache.
func (s *Server) score(ctx context.Context, name string, h, r, t *tensor.Tensor) (*tensor.Tensor, error) {
	ix, err := s.registry.Lookup(name)
	if err != nil {
		return nil, err
	}

	var key cache.Key
	if s.cache != nil {
		key = cache.KeyOf(ix.Name(), h, r, t)
		if scores, ok := s.cache.Get(key); ok {
			trace.SpanFromContext(ctx).AddEvent("score cache hit")
			return scores, nil
		}
	}

	weight := admissionWeight(h, r, t)
	if weight > s.budget {
		return nil, fmt.Errorf("%w: %d > %d bytes", errTooLarge, weight, s.budget)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	admittedBytes.Add(float64(weight))
	defer func() {
		admittedBytes.Sub(float64(weight))
		s.sem.Release(weight)
	}()

	scores, err := ix.Score(h, r, t)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Put(key, scores)
	}
	return scores, nil
}

// statusFor maps scoring errors to HTTP status codes.
func statusFor(err error) int {
	var fault *interaction.DriverFaultError
	switch {
	case errors.Is(err, interaction.ErrUnknownInteraction):
		return http.StatusNotFound
	case errors.Is(err, tensor.ErrShapeMismatch), errors.Is(err, tensor.ErrOddDimension),
		errors.Is(err, tensor.ErrInvalidAxis), errors.Is(err, wire.ErrSchema):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &fault):
		return http.StatusInsufficientStorage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, endpoint, id string, code int, err error) {
	log.Error().Err(err).Str("request_id", id).Str("endpoint", endpoint).Int("code", code).Msg("Scoring request failed")
	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	http.Error(w, err.Error(), code)
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScore")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score").Observe(time.Since(start).Seconds())
	}()

	id := requestID(r)
	w.Header().Set(client.RequestIDHeader, id)
	span.SetAttributes(attribute.String("request_id", id))

	if r.Method != http.MethodPost {
		s.fail(w, "score", id, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}

	req, err := wire.DecodeRequest(r.Body)
	if err != nil {
		span.RecordError(err)
		s.fail(w, "score", id, http.StatusBadRequest, fmt.Errorf("cbor decode: %w", err))
		return
	}
	span.SetAttributes(attribute.String("interaction", req.Interaction))

	h, rel, t, err := req.Tensors()
	if err != nil {
		span.RecordError(err)
		s.fail(w, "score", id, http.StatusBadRequest, err)
		return
	}

	resp := &wire.ScoreResponse{Interaction: req.Interaction}
	scores, err := s.score(ctx, req.Interaction, h, rel, t)
	switch {
	case errors.Is(err, interaction.ErrUnknownInteraction) && s.upstream != nil:
		upstreamForwards.Inc()
		if resp, err = s.upstream.Score(ctx, req); err != nil {
			span.RecordError(err)
			s.fail(w, "score", id, http.StatusBadGateway, err)
			return
		}
	case err != nil:
		span.RecordError(err)
		s.fail(w, "score", id, statusFor(err), err)
		return
	default:
		resp.Scores = wire.FromTensor(scores)
	}
	span.SetAttributes(attribute.IntSlice("score_shape", resp.Scores.Shape))

	w.Header().Set("Content-Type", "application/cbor")
	if err := wire.EncodeResponse(w, resp); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Failed to write score response")
		return
	}
	requestsTotal.WithLabelValues("score", "200").Inc()
}

// handleScoreArrow scores an Arrow IPC stream of triple batches, one score
// per row, and streams back score batches.
func (s *Server) handleScoreArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleScoreArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("score_arrow").Observe(time.Since(start).Seconds())
	}()

	id := requestID(r)
	w.Header().Set(client.RequestIDHeader, id)

	if r.Method != http.MethodPost {
		s.fail(w, "score_arrow", id, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		return
	}
	name := r.URL.Query().Get("interaction")
	span.SetAttributes(attribute.String("request_id", id), attribute.String("interaction", name))

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		s.fail(w, "score_arrow", id, http.StatusBadRequest, fmt.Errorf("ipc reader: %w", err))
		return
	}
	defer reader.Release()

	// Score everything before writing so errors can still set the status.
	var out []arrow.RecordBatch
	defer func() {
		for _, rec := range out {
			rec.Release()
		}
	}()
	rows := 0
	for reader.Next() {
		rec, err := s.scoreRecord(ctx, name, reader.RecordBatch())
		if err != nil {
			span.RecordError(err)
			s.fail(w, "score_arrow", id, statusFor(err), err)
			return
		}
		rows += int(rec.NumRows())
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil {
		s.fail(w, "score_arrow", id, http.StatusBadRequest, fmt.Errorf("arrow stream: %w", err))
		return
	}
	span.SetAttributes(attribute.Int("rows", rows))

	w.Header().Set("Content-Type", arrowStreamType)
	if err := wire.WriteStream(w, wire.ScoreSchema, out...); err != nil {
		log.Error().Err(err).Str("request_id", id).Msg("Failed to write arrow stream")
		return
	}
	requestsTotal.WithLabelValues("score_arrow", "200").Inc()
}

// scoreRecord scores one triple record batch into a score record batch.
func (s *Server) scoreRecord(ctx context.Context, name string, rec arrow.RecordBatch) (arrow.RecordBatch, error) {
	h, r, t, err := wire.TriplesFromRecord(rec)
	if err != nil {
		return nil, err
	}
	// Rows become the batch axis: (n, 1, dim) per operand.
	views := make([]*tensor.Tensor, 3)
	for i, x := range []*tensor.Tensor{h, r, t} {
		if views[i], err = x.Unsqueeze(1); err != nil {
			return nil, err
		}
	}
	scores, err := s.score(ctx, name, views[0], views[1], views[2])
	if err != nil {
		return nil, err
	}
	return wire.NewScoreRecord(s.alloc, scores)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
