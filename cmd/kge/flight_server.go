package main

import (
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-kge/internal/wire"
)

// KGEFlightServer scores triple batches over Flight DoExchange. The first
// descriptor path element names the interaction.
type KGEFlightServer struct {
	flight.BaseFlightServer
	srv *Server
}

func NewKGEFlightServer(srv *Server) *KGEFlightServer {
	return &KGEFlightServer{srv: srv}
}

func (s *KGEFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) (err error) {
	ctx, span := tracer.Start(stream.Context(), "DoExchange")
	defer span.End()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.srv.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || len(desc.Path) == 0 {
		return status.Error(codes.InvalidArgument, "flight descriptor must name the interaction")
	}
	name := desc.Path[0]
	span.SetAttributes(attribute.String("interaction", name))

	// Closed on success only: a failed exchange ends in a bare status.
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(wire.ScoreSchema))
	defer func() {
		if err == nil {
			err = writer.Close()
		}
	}()

	for reader.Next() {
		rec, err := s.srv.scoreRecord(ctx, name, reader.RecordBatch())
		if err != nil {
			span.RecordError(err)
			log.Error().Err(err).Str("interaction", name).Msg("DoExchange scoring failed")
			return status.Error(grpcCode(err), err.Error())
		}
		log.Debug().Int64("rows", rec.NumRows()).Str("interaction", name).Msg("DoExchange scored batch")
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// grpcCode maps scoring errors onto gRPC status codes.
func grpcCode(err error) codes.Code {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return codes.InvalidArgument
	case http.StatusNotFound:
		return codes.NotFound
	case http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return codes.ResourceExhausted
	case http.StatusServiceUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

func StartFlightServer(addr string, srv *Server) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewKGEFlightServer(srv))

	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting KGE Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
