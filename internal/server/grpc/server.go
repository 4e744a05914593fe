// Package grpcserver exposes the relay gRPC API handlers.
package grpcserver

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/and161185/group-keeper/internal/convert"
	"github.com/and161185/group-keeper/internal/limiter"
	"github.com/and161185/group-keeper/internal/model"
	"github.com/and161185/group-keeper/internal/observability/metrics"
)

const (
	defaultFetchLimit = 50
	maxFetchLimit     = 500
)

// Mailbox stores envelopes until their recipients fetch them. Pop on a group
// channel returns each envelope once per reader.
type Mailbox interface {
	Push(ctx context.Context, ch model.Channel, env []byte) error
	Pop(ctx context.Context, ch model.Channel, reader model.Identity, limit int) ([][]byte, error)
}

// RelayServer is the server API of the relay service.
type RelayServer interface {
	Deliver(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Fetch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

// Server stores and forwards control message envelopes.
type Server struct {
	mbox Mailbox
	lim  limiter.Limiter
	seen *lru.Cache[uuid.UUID, struct{}]
	log  *zap.Logger
}

var _ RelayServer = (*Server)(nil)

// New constructs the relay handlers. dedupeSize bounds the number of recent
// envelope ids remembered for duplicate suppression.
func New(mbox Mailbox, lim limiter.Limiter, dedupeSize int, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if lim == nil {
		lim = limiter.Unlimited{}
	}
	seen, err := lru.New[uuid.UUID, struct{}](dedupeSize)
	if err != nil {
		return nil, err
	}
	return &Server{mbox: mbox, lim: lim, seen: seen, log: log}, nil
}

// Deliver queues one envelope on its channel. Re-delivery of an envelope id that
// was already accepted succeeds without queuing it again and without counting
// against the sender's rate limit.
func (s *Server) Deliver(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	sender, ok := IdentityFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	env, err := convert.UnmarshalEnvelope(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad envelope: %v", err)
	}
	kind := channelLabel(env.Channel)
	if err := validChannel(env.Channel); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad channel: %v", err)
	}
	if env.Sender != sender {
		metrics.RelayEnvelopesTotal.WithLabelValues(kind, "forbidden").Inc()
		return nil, status.Error(codes.PermissionDenied, "sender does not match token")
	}

	if s.seen.Contains(env.ID) {
		metrics.RelayEnvelopesTotal.WithLabelValues(kind, "duplicate").Inc()
		return &emptypb.Empty{}, nil
	}
	allowed, _, err := s.lim.Allow(ctx, string(sender))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "limiter: %v", err)
	}
	if !allowed {
		metrics.RelayEnvelopesTotal.WithLabelValues(kind, "rate_limited").Inc()
		return nil, status.Error(codes.ResourceExhausted, "rate limited")
	}

	if found, _ := s.seen.ContainsOrAdd(env.ID, struct{}{}); found {
		metrics.RelayEnvelopesTotal.WithLabelValues(kind, "duplicate").Inc()
		return &emptypb.Empty{}, nil
	}
	if err := s.mbox.Push(ctx, env.Channel, req.GetValue()); err != nil {
		s.seen.Remove(env.ID)
		s.log.Warn("mailbox push failed", zap.String("channel", env.Channel.String()), zap.Error(err))
		metrics.RelayEnvelopesTotal.WithLabelValues(kind, "error").Inc()
		return nil, status.Error(codes.Unavailable, "mailbox unavailable")
	}
	metrics.RelayEnvelopesTotal.WithLabelValues(kind, "queued").Inc()
	return &emptypb.Empty{}, nil
}

// Fetch returns queued envelopes of one channel that the caller has not seen
// yet. A contact channel can only be fetched by its owner.
func (s *Server) Fetch(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	caller, ok := IdentityFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	fr, err := convert.UnmarshalFetchRequest(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad request: %v", err)
	}
	if err := validChannel(fr.Channel); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad channel: %v", err)
	}
	if fr.Channel.Kind == model.ChannelContact && fr.Channel.ID != string(caller) {
		return nil, status.Error(codes.PermissionDenied, "not your channel")
	}

	limit := fr.Limit
	switch {
	case limit <= 0:
		limit = defaultFetchLimit
	case limit > maxFetchLimit:
		limit = maxFetchLimit
	}
	envs, err := s.mbox.Pop(ctx, fr.Channel, caller, limit)
	if err != nil {
		s.log.Warn("mailbox pop failed", zap.String("channel", fr.Channel.String()), zap.Error(err))
		return nil, status.Error(codes.Unavailable, "mailbox unavailable")
	}
	metrics.RelayFetchedTotal.WithLabelValues(channelLabel(fr.Channel)).Add(float64(len(envs)))
	return wrapperspb.Bytes(convert.MarshalEnvelopeBatch(envs)), nil
}

func validChannel(ch model.Channel) error {
	switch ch.Kind {
	case model.ChannelContact:
		_, err := model.ParseIdentity(ch.ID)
		return err
	case model.ChannelGroup:
		_, err := model.ParseGroupPublicKey(ch.ID)
		return err
	default:
		return errors.New("unknown channel kind")
	}
}

func channelLabel(ch model.Channel) string {
	switch ch.Kind {
	case model.ChannelContact:
		return "contact"
	case model.ChannelGroup:
		return "group"
	default:
		return "unknown"
	}
}

// RelayServiceDesc describes the relay service for grpc.Server.
var RelayServiceDesc = grpc.ServiceDesc{
	ServiceName: convert.RelayService,
	HandlerType: (*RelayServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
		{MethodName: "Fetch", Handler: fetchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "groupkeeper/relay/v1/relay.proto",
}

// Register attaches srv to a gRPC server.
func Register(r grpc.ServiceRegistrar, srv RelayServer) {
	r.RegisterService(&RelayServiceDesc, srv)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: convert.DeliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Deliver(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

func fetchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RelayServer).Fetch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: convert.FetchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RelayServer).Fetch(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
