package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/pkg/telemetry"
	"github.com/Kandimus/FreeDistributedBuild/services/master"
)

// StatusServiceName is the gRPC service carrying the same views as /api/v1.
// Messages are JSON; clients call with grpc.CallContentSubtype(CodecName).
const StatusServiceName = "fdb.v1.BuildStatus"

// CodecName is the content subtype the status service speaks.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() { encoding.RegisterCodec(jsonCodec{}) }

// JobRequest selects a job. An empty ID means the job this master is running.
type JobRequest struct {
	ID string `json:"id,omitempty"`
}

// TasksRequest filters tasks by status; empty returns all.
type TasksRequest struct {
	Status string `json:"status,omitempty"`
}

type TasksResponse struct {
	Tasks []master.TaskView `json:"tasks"`
}

type SessionsRequest struct{}

type SessionsResponse struct {
	Sessions []master.SessionView `json:"sessions"`
}

// StatusServer is the server side of the status service.
type StatusServer interface {
	GetJob(context.Context, *JobRequest) (*master.JobStatus, error)
	ListTasks(context.Context, *TasksRequest) (*TasksResponse, error)
	ListSessions(context.Context, *SessionsRequest) (*SessionsResponse, error)
}

// grpcStatus adapts Handler to StatusServer; the HTTP handlers already own
// the method names.
type grpcStatus struct{ h *Handler }

func (g grpcStatus) GetJob(ctx context.Context, req *JobRequest) (*master.JobStatus, error) {
	if req.ID == "" {
		st, ok := g.h.src.Status()
		if !ok {
			return nil, status.Error(codes.NotFound, "no job has started")
		}
		return &st, nil
	}
	if g.h.history == nil {
		return nil, status.Error(codes.Unimplemented, "build history is not configured")
	}
	sum, err := g.h.history.GetJob(ctx, req.ID)
	if err != nil {
		var notFound *domain.JobNotFoundError
		if errors.As(err, &notFound) {
			return nil, status.Error(codes.NotFound, "job not found")
		}
		g.h.logger.Error("grpc GetJob: history lookup", slog.String("job_id", req.ID), slog.String("error", err.Error()))
		return nil, status.Error(codes.Internal, "failed to read build history")
	}
	st := &master.JobStatus{
		ID:         sum.JobID,
		Projects:   sum.Projects,
		State:      master.JobFinished,
		Success:    sum.Success,
		Reason:     sum.Reason,
		Total:      sum.Total,
		Succeeded:  sum.Succeeded,
		Errors:     sum.Errors,
		Warnings:   sum.Warnings,
		StartedAt:  sum.StartedAt,
		FinishedAt: &sum.FinishedAt,
	}
	if sum.Total > 0 {
		st.Percent = float64(sum.Done()) * 100 / float64(sum.Total)
	}
	return st, nil
}

func (g grpcStatus) ListTasks(_ context.Context, req *TasksRequest) (*TasksResponse, error) {
	return &TasksResponse{Tasks: filterTasks(g.h.src.Tasks(), req.Status)}, nil
}

func (g grpcStatus) ListSessions(context.Context, *SessionsRequest) (*SessionsResponse, error) {
	sessions := g.h.src.Sessions()
	if sessions == nil {
		sessions = []master.SessionView{}
	}
	return &SessionsResponse{Sessions: sessions}, nil
}

func unaryHandler[Req any, Resp any](call func(StatusServer, context.Context, *Req) (*Resp, error), method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(StatusServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + StatusServiceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(StatusServer), ctx, req.(*Req))
			})
		},
	}
}

// StatusServiceDesc describes the status service for grpc.Server.RegisterService.
var StatusServiceDesc = grpc.ServiceDesc{
	ServiceName: StatusServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryHandler(StatusServer.GetJob, "GetJob"),
		unaryHandler(StatusServer.ListTasks, "ListTasks"),
		unaryHandler(StatusServer.ListSessions, "ListSessions"),
	},
	Metadata: "fdb/v1/status.json",
}

// GRPCServer builds a gRPC server answering the status service with the
// handler's source, history and rate limit.
func (h *Handler) GRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	chain := []grpc.UnaryServerInterceptor{unaryLogger(h.logger)}
	if h.limiter != nil {
		chain = append(chain, unaryRateLimit(h.limiter, h.logger))
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(chain...))
	srv := grpc.NewServer(opts...)
	srv.RegisterService(&StatusServiceDesc, grpcStatus{h: h})
	return srv
}

func unaryLogger(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		code := status.Code(err)
		lvl := slog.LevelDebug
		if code == codes.Internal || code == codes.Unknown {
			lvl = slog.LevelWarn
		}
		logger.Log(ctx, lvl, "grpc call",
			slog.String("method", info.FullMethod),
			slog.String("code", code.String()),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
		return resp, err
	}
}

func unaryRateLimit(l Limiter, logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		client := "unknown"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			client = p.Addr.String()
			if host, _, err := net.SplitHostPort(client); err == nil {
				client = host
			}
		}
		ok, err := l.Allow(ctx, client)
		if err != nil {
			logger.Warn("rate limiter unavailable", slog.String("error", err.Error()))
			ok = true
		}
		if !ok {
			telemetry.APIRateLimitedTotal.Inc()
			return nil, status.Errorf(codes.ResourceExhausted, "rate limit exceeded (%d per minute)", l.Limit())
		}
		return next(ctx, req)
	}
}

// ServeGRPC runs srv on addr until ctx is cancelled. An empty addr
// disables it.
func ServeGRPC(ctx context.Context, addr string, srv *grpc.Server, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		logger.Info("status gRPC starting", slog.String("addr", lis.Addr().String()))
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("status gRPC error", slog.String("error", err.Error()))
		}
	}()
	context.AfterFunc(ctx, srv.GracefulStop)
	return nil
}
