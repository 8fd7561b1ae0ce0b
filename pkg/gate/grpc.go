package gate

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/kadirpekel/chatgate/pkg/config"
	"github.com/kadirpekel/chatgate/pkg/identity"
	"github.com/kadirpekel/chatgate/pkg/ratelimit"
)

// UnaryServerInterceptor gates unary calls. Routes are matched against the
// full method name, e.g. "/chat.v1.ChatService/Send".
//
// Denials map to PermissionDenied (challenge required), ResourceExhausted
// (quota exceeded) and Unavailable (store down, failing closed). The
// rate-limit headers travel as trailer metadata; quota denials also carry
// RetryInfo and QuotaFailure status details.
func (g *Gate) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		cfg := g.provider.Current()
		if !cfg.InScope(info.FullMethod) {
			return handler(ctx, req)
		}

		ctx, err := g.admit(ctx, cfg, info.FullMethod)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamServerInterceptor gates stream creation the same way. Messages on
// an admitted stream are not counted.
func (g *Gate) StreamServerInterceptor() grpc.StreamServerInterceptor {
	return func(
		srv interface{},
		ss grpc.ServerStream,
		info *grpc.StreamServerInfo,
		handler grpc.StreamHandler,
	) error {
		cfg := g.provider.Current()
		if !cfg.InScope(info.FullMethod) {
			return handler(srv, ss)
		}

		ctx, err := g.admit(ss.Context(), cfg, info.FullMethod)
		if err != nil {
			return err
		}
		return handler(srv, &wrappedServerStream{ServerStream: ss, ctx: ctx})
	}
}

func (g *Gate) admit(ctx context.Context, cfg *config.GateConfig, method string) (context.Context, error) {
	out := g.evaluate(ctx, cfg, identity.MaterialFromGRPC(ctx), method)
	ctx = identity.WithKey(ctx, out.identity)

	if out.challenge {
		return ctx, status.Error(codes.PermissionDenied, CodeVerificationRequired)
	}

	d := out.decision
	if md := trailer(d); md.Len() > 0 {
		// Fails only outside a server call; nothing to report then.
		_ = grpc.SetTrailer(ctx, md)
	}

	if !d.Allowed {
		if d.Degraded {
			return ctx, status.Error(codes.Unavailable, CodeStoreUnavailable)
		}
		return ctx, quotaStatus(d).Err()
	}
	return ratelimit.WithDecision(ctx, d), nil
}

func quotaStatus(d *ratelimit.Decision) *status.Status {
	st := status.New(codes.ResourceExhausted, ratelimit.DenialBody(d).Error.Message)

	details := []protoadapt.MessageV1{&errdetails.RetryInfo{RetryDelay: durationpb.New(d.RetryAfter)}}
	if w := d.Window; w != nil {
		details = append(details, &errdetails.QuotaFailure{
			Violations: []*errdetails.QuotaFailure_Violation{{
				Subject:     d.Identity.String(),
				Description: fmt.Sprintf("%d requests per %s", w.Limit, w.Unit),
			}},
		})
	}

	withDetails, err := st.WithDetails(details...)
	if err != nil {
		return st
	}
	return withDetails
}

// trailer renders the decision headers as gRPC metadata (lower-case keys).
func trailer(d *ratelimit.Decision) metadata.MD {
	md := metadata.MD{}
	for name, values := range ratelimit.Headers(d) {
		md[strings.ToLower(name)] = values
	}
	return md
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}
