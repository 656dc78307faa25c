package exhook

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/austinmesh/bridger/internal/metrics"
)

const serviceName = "emqx.exhook.v2.HookProvider"

// HookProviderServer is the full hook surface the broker drives. Only
// provider load and message publish carry logic; everything else
// acknowledges and moves on.
type HookProviderServer interface {
	OnProviderLoaded(context.Context, *ProviderLoadedRequest) (*LoadedResponse, error)
	OnProviderUnloaded(context.Context, *RawRequest) (*EmptySuccess, error)
	OnClientConnect(context.Context, *RawRequest) (*EmptySuccess, error)
	OnClientConnack(context.Context, *RawRequest) (*EmptySuccess, error)
	OnClientConnected(context.Context, *RawRequest) (*EmptySuccess, error)
	OnClientDisconnected(context.Context, *RawRequest) (*EmptySuccess, error)
	OnClientAuthenticate(context.Context, *RawRequest) (*ValuedResponse, error)
	OnClientAuthorize(context.Context, *RawRequest) (*ValuedResponse, error)
	OnClientSubscribe(context.Context, *RawRequest) (*EmptySuccess, error)
	OnClientUnsubscribe(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionCreated(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionSubscribed(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionUnsubscribed(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionResumed(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionDiscarded(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionTakenover(context.Context, *RawRequest) (*EmptySuccess, error)
	OnSessionTerminated(context.Context, *RawRequest) (*EmptySuccess, error)
	OnMessagePublish(context.Context, *MessagePublishRequest) (*ValuedResponse, error)
	OnMessageDelivered(context.Context, *RawRequest) (*EmptySuccess, error)
	OnMessageDropped(context.Context, *RawRequest) (*EmptySuccess, error)
	OnMessageAcked(context.Context, *RawRequest) (*EmptySuccess, error)
}

// Service filters publishes against a username allow-list. Allowed
// publishers get allow_publish="true" stamped into the message headers,
// everyone else "false"; the broker's republish rule reads the header.
type Service struct {
	allowed map[string]struct{}
	log     *zap.Logger
}

func NewService(allowedUsers []string, log *zap.Logger) *Service {
	allowed := make(map[string]struct{}, len(allowedUsers))
	for _, u := range allowedUsers {
		allowed[u] = struct{}{}
	}
	return &Service{allowed: allowed, log: log}
}

func (s *Service) OnProviderLoaded(ctx context.Context, req *ProviderLoadedRequest) (*LoadedResponse, error) {
	if req.Broker != nil {
		s.log.Info("hook provider loaded",
			zap.String("broker_version", req.Broker.Version),
			zap.String("broker_sysdescr", req.Broker.Sysdescr))
	} else {
		s.log.Info("hook provider loaded")
	}
	metrics.ExhookRequestsTotal.WithLabelValues("provider.loaded", "ok").Inc()
	// Empty topics subscribes the hook to every publish.
	return &LoadedResponse{Hooks: []HookSpec{{Name: "message.publish"}}}, nil
}

func (s *Service) OnProviderUnloaded(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	s.log.Info("hook provider unloaded")
	return &EmptySuccess{}, nil
}

func (s *Service) OnMessagePublish(ctx context.Context, req *MessagePublishRequest) (*ValuedResponse, error) {
	msg := req.Message
	if msg == nil {
		msg = &Message{}
	}
	username := msg.Headers["username"]
	_, allowed := s.allowed[username]

	verdict := "deny"
	if allowed {
		verdict = "allow"
	}
	metrics.ExhookRequestsTotal.WithLabelValues("message.publish", verdict).Inc()
	s.log.Debug("publish filtered",
		zap.String("topic", msg.Topic),
		zap.String("username", username),
		zap.Bool("allowed", allowed))

	headers := make(map[string]string, len(msg.Headers)+1)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	if allowed {
		headers["allow_publish"] = "true"
	} else {
		headers["allow_publish"] = "false"
	}

	filtered := *msg
	filtered.Headers = headers
	return &ValuedResponse{Type: ResponseStopAndReturn, Message: &filtered}, nil
}

func (s *Service) OnClientAuthenticate(ctx context.Context, _ *RawRequest) (*ValuedResponse, error) {
	// Authentication stays with the broker's own database.
	metrics.ExhookRequestsTotal.WithLabelValues("client.authenticate", "continue").Inc()
	return &ValuedResponse{Type: ResponseContinue}, nil
}

func (s *Service) OnClientAuthorize(ctx context.Context, _ *RawRequest) (*ValuedResponse, error) {
	metrics.ExhookRequestsTotal.WithLabelValues("client.authorize", "continue").Inc()
	return &ValuedResponse{Type: ResponseContinue}, nil
}

func (s *Service) OnClientConnect(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnClientConnack(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnClientConnected(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnClientDisconnected(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnClientSubscribe(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnClientUnsubscribe(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionCreated(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionSubscribed(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionUnsubscribed(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionResumed(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionDiscarded(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionTakenover(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnSessionTerminated(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnMessageDelivered(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnMessageDropped(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

func (s *Service) OnMessageAcked(ctx context.Context, _ *RawRequest) (*EmptySuccess, error) {
	return &EmptySuccess{}, nil
}

// unaryMethod builds one MethodDesc for the service descriptor; the
// descriptor is maintained by hand alongside the wire types.
func unaryMethod[Req, Res any](name string, call func(HookProviderServer, context.Context, *Req) (*Res, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(HookProviderServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(HookProviderServer), ctx, req.(*Req))
			})
		},
	}
}

var hookProviderServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*HookProviderServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("OnProviderLoaded", HookProviderServer.OnProviderLoaded),
		unaryMethod("OnProviderUnloaded", HookProviderServer.OnProviderUnloaded),
		unaryMethod("OnClientConnect", HookProviderServer.OnClientConnect),
		unaryMethod("OnClientConnack", HookProviderServer.OnClientConnack),
		unaryMethod("OnClientConnected", HookProviderServer.OnClientConnected),
		unaryMethod("OnClientDisconnected", HookProviderServer.OnClientDisconnected),
		unaryMethod("OnClientAuthenticate", HookProviderServer.OnClientAuthenticate),
		unaryMethod("OnClientAuthorize", HookProviderServer.OnClientAuthorize),
		unaryMethod("OnClientSubscribe", HookProviderServer.OnClientSubscribe),
		unaryMethod("OnClientUnsubscribe", HookProviderServer.OnClientUnsubscribe),
		unaryMethod("OnSessionCreated", HookProviderServer.OnSessionCreated),
		unaryMethod("OnSessionSubscribed", HookProviderServer.OnSessionSubscribed),
		unaryMethod("OnSessionUnsubscribed", HookProviderServer.OnSessionUnsubscribed),
		unaryMethod("OnSessionResumed", HookProviderServer.OnSessionResumed),
		unaryMethod("OnSessionDiscarded", HookProviderServer.OnSessionDiscarded),
		unaryMethod("OnSessionTakenover", HookProviderServer.OnSessionTakenover),
		unaryMethod("OnSessionTerminated", HookProviderServer.OnSessionTerminated),
		unaryMethod("OnMessagePublish", HookProviderServer.OnMessagePublish),
		unaryMethod("OnMessageDelivered", HookProviderServer.OnMessageDelivered),
		unaryMethod("OnMessageDropped", HookProviderServer.OnMessageDropped),
		unaryMethod("OnMessageAcked", HookProviderServer.OnMessageAcked),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "exhook.proto",
}
