// Package client talks to a remote kge scoring server over Arrow Flight or
// HTTP. Both clients share a circuit breaker so a failing server is not
// hammered.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-kge/internal/wire"
)

// FlightClient scores triple batches on a kge server via Flight DoExchange.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string, breaker *CircuitBreaker) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client:  client,
		conn:    conn,
		breaker: breaker,
	}, nil
}

// Score sends a triple record batch (see wire.TripleSchema) and returns one
// score per row, scored with the named interaction.
func (c *FlightClient) Score(ctx context.Context, interaction string, triples arrow.RecordBatch) ([]float64, error) {
	var scores []float64
	start := time.Now()
	err := c.breaker.Do(func() error {
		var err error
		scores, err = c.exchange(ctx, interaction, triples)
		return err
	})
	remoteDuration.WithLabelValues("flight").Observe(time.Since(start).Seconds())
	if err != nil {
		remoteErrors.WithLabelValues("flight").Inc()
		return nil, err
	}
	return scores, nil
}

func (c *FlightClient) exchange(ctx context.Context, interaction string, triples arrow.RecordBatch) ([]float64, error) {
	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(triples.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{interaction},
	})
	// io.EOF on send means the server already ended the exchange; its
	// status is read below.
	if err := writer.Write(triples); err != nil && !errors.Is(err, io.EOF) {
		_ = writer.Close()
		return nil, fmt.Errorf("flight write: %w", err)
	}
	if err := writer.Close(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("flight: server closed the exchange without scores")
		}
		return nil, err
	}
	defer reader.Release()

	scores := make([]float64, 0, triples.NumRows())
	for reader.Next() {
		values, err := wire.ScoreValues(reader.RecordBatch())
		if err != nil {
			return nil, err
		}
		scores = append(scores, values...)
	}
	if err := reader.Err(); err != nil {
		return nil, err
	}
	log.Debug().Str("interaction", interaction).Int("scores", len(scores)).Msg("Flight exchange complete")
	return scores, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}
