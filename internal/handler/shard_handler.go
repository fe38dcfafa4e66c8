package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/devrev/scaledb/internal/errors"
	"github.com/devrev/scaledb/internal/metrics"
	"github.com/devrev/scaledb/internal/model"
	"github.com/devrev/scaledb/internal/shard"
	"github.com/devrev/scaledb/internal/validation"
	"github.com/devrev/scaledb/internal/wire"
)

// DefaultBatchSize is the number of entities per streamed batch.
const DefaultBatchSize = 100

// ShardHandler serves a shard.Backend over the shard gRPC service.
type ShardHandler struct {
	wire.UnimplementedShardServer

	backend   shard.Backend
	validator *validation.Validator
	batchSize int
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewShardHandler creates a handler. m may be nil.
func NewShardHandler(backend shard.Backend, batchSize int, m *metrics.Metrics, logger *zap.Logger) *ShardHandler {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShardHandler{
		backend:   backend,
		validator: validation.NewValidator(),
		batchSize: batchSize,
		metrics:   m,
		logger:    logger,
	}
}

// Register attaches the handler to a gRPC server.
func (h *ShardHandler) Register(s grpc.ServiceRegistrar) {
	wire.RegisterShardServer(s, h)
}

// ShardCount reports the shard count of the served backend.
func (h *ShardHandler) ShardCount(ctx context.Context, _ *wire.ShardCountRequest) (*wire.ShardCountResponse, error) {
	n, err := h.backend.ShardCount(ctx)
	if err != nil {
		return nil, errors.ToGRPC(err)
	}
	return &wire.ShardCountResponse{Count: int32(n)}, nil
}

// Upsert writes a batch of entities.
func (h *ShardHandler) Upsert(ctx context.Context, req *wire.UpsertRequest) (*wire.Ack, error) {
	if err := h.validator.ValidateBatch(req.Entities); err != nil {
		return nil, errors.ToGRPC(err)
	}
	if err := h.backend.Upsert(ctx, req.Entities); err != nil {
		h.logger.Error("Upsert failed",
			zap.Int("entities", len(req.Entities)),
			zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &wire.Ack{Applied: int32(len(req.Entities))}, nil
}

// Delete removes a batch of keys.
func (h *ShardHandler) Delete(ctx context.Context, req *wire.DeleteRequest) (*wire.Ack, error) {
	if err := h.validateKeys(req.Keys); err != nil {
		return nil, errors.ToGRPC(err)
	}
	if err := h.backend.Delete(ctx, req.Keys); err != nil {
		h.logger.Error("Delete failed",
			zap.Int("keys", len(req.Keys)),
			zap.Error(err))
		return nil, errors.ToGRPC(err)
	}
	return &wire.Ack{Applied: int32(len(req.Keys))}, nil
}

// RetrieveByKeys streams the entities found for the requested keys.
func (h *ShardHandler) RetrieveByKeys(req *wire.RetrieveByKeysRequest, stream wire.EntityStream) error {
	if err := h.validateKeys(req.Keys); err != nil {
		return errors.ToGRPC(err)
	}
	s := h.newSender(stream)
	err := h.backend.RetrieveByKeys(stream.Context(), req.Keys, s.send)
	return s.result(err)
}

// RetrieveRange streams the entities strictly inside the requested bounds.
func (h *ShardHandler) RetrieveRange(req *wire.RetrieveRangeRequest, stream wire.EntityStream) error {
	s := h.newSender(stream)
	err := h.backend.RetrieveRange(stream.Context(), req.Start, req.End, s.send)
	return s.result(err)
}

func (h *ShardHandler) validateKeys(keys []model.Entity) error {
	if err := h.validator.ValidateBatchSize(len(keys)); err != nil {
		return err
	}
	for _, k := range keys {
		if err := h.validator.ValidateKey(k.Key); err != nil {
			return err
		}
	}
	return nil
}

// sender splits backend batches into stream messages and remembers the
// first send failure so the backend is told to stop.
type sender struct {
	stream    wire.EntityStream
	batchSize int
	err       error
}

func (h *ShardHandler) newSender(stream wire.EntityStream) *sender {
	return &sender{stream: stream, batchSize: h.batchSize}
}

func (s *sender) send(batch []model.Entity) bool {
	for len(batch) > 0 {
		n := min(len(batch), s.batchSize)
		if err := s.stream.Send(&wire.EntityBatch{Entities: batch[:n]}); err != nil {
			s.err = err
			return false
		}
		batch = batch[n:]
	}
	return true
}

func (s *sender) result(err error) error {
	if err != nil {
		return errors.ToGRPC(err)
	}
	return s.err
}

// UnaryMetricsInterceptor records count and latency of unary calls.
func UnaryMetricsInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if m != nil {
			m.RecordRPC(methodName(info.FullMethod), status.Code(err).String(), time.Since(start))
		}
		return resp, err
	}
}

// StreamMetricsInterceptor records count and latency of streaming calls.
func StreamMetricsInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		if m != nil {
			m.RecordRPC(methodName(info.FullMethod), status.Code(err).String(), time.Since(start))
		}
		return err
	}
}

func methodName(fullMethod string) string {
	for i := len(fullMethod) - 1; i >= 0; i-- {
		if fullMethod[i] == '/' {
			return fullMethod[i+1:]
		}
	}
	return fullMethod
}
