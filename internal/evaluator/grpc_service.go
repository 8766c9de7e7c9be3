package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/skillprobe/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name of the evaluator.
// Messages are google.protobuf.Struct values, so no generated stubs are needed.
const ServiceName = "skillprobe.evaluator.v1.Evaluator"

const (
	initializeMethod = "/" + ServiceName + "/Initialize"
	sendTurnMethod   = "/" + ServiceName + "/SendTurn"
	terminateMethod  = "/" + ServiceName + "/Terminate"
)

var sendTurnStreamDesc = grpc.StreamDesc{
	StreamName:    "SendTurn",
	ServerStreams: true,
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Service)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Initialize", Handler: initializeHandler},
		{MethodName: "Terminate", Handler: terminateHandler},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "SendTurn", Handler: sendTurnHandler, ServerStreams: true},
	},
	Metadata: "skillprobe/evaluator/v1/evaluator.proto",
}

// RegisterGRPC exposes svc on a gRPC server.
func RegisterGRPC(s grpc.ServiceRegistrar, svc Service) {
	s.RegisterService(&serviceDesc, svc)
}

func initializeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		initReq, err := decodeInitRequest(req.(*structpb.Struct))
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		resp, err := srv.(Service).Initialize(ctx, initReq)
		if err != nil {
			return nil, toStatus(err)
		}
		return encodeLookupResponse(resp)
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: initializeMethod}
	return interceptor(ctx, in, info, handler)
}

func terminateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	handler := func(ctx context.Context, req any) (any, error) {
		sessionID := stringField(req.(*structpb.Struct), "session_id")
		if sessionID == "" {
			return nil, status.Error(codes.InvalidArgument, "session_id is required")
		}
		if err := srv.(Service).Terminate(ctx, sessionID); err != nil {
			return nil, toStatus(err)
		}
		return structpb.NewStruct(map[string]any{"ok": true})
	}
	if interceptor == nil {
		return handler(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: terminateMethod}
	return interceptor(ctx, in, info, handler)
}

func sendTurnHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	sessionID := stringField(in, "session_id")
	if sessionID == "" {
		return status.Error(codes.InvalidArgument, "session_id is required")
	}

	for chunk, err := range srv.(Service).SendTurn(stream.Context(), sessionID, stringField(in, "text")) {
		if err != nil {
			return toStatus(err)
		}
		msg, err := encodeChunk(chunk)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

// toStatus maps evaluator sentinels onto gRPC status codes.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, ErrUnauthorized):
		return status.Error(codes.Unauthenticated, err.Error())
	case errors.Is(err, ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrSessionClosed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, ErrInvalidRequest):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, ErrRateLimited):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatus maps gRPC status codes back onto evaluator sentinels.
func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %s", ErrUnauthorized, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", ErrSessionNotFound, st.Message())
	case codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", ErrSessionClosed, st.Message())
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", ErrInvalidRequest, st.Message())
	case codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", ErrRateLimited, st.Message())
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, st.Message())
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, st.Message())
	default:
		return err
	}
}

func encodeInitRequest(req InitRequest) (*structpb.Struct, error) {
	focus := make([]any, 0, len(req.FocusSkills))
	for _, skill := range req.FocusSkills {
		focus = append(focus, skill)
	}
	profile := map[string]any(req.Profile)
	if profile == nil {
		profile = map[string]any{}
	}
	s, err := structpb.NewStruct(map[string]any{
		"profile":      profile,
		"focus_skills": focus,
		"resume_id":    req.ResumeID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode initialize request: %w", err)
	}
	return s, nil
}

func decodeInitRequest(s *structpb.Struct) (InitRequest, error) {
	req := InitRequest{ResumeID: stringField(s, "resume_id")}
	if v, ok := s.GetFields()["profile"]; ok {
		ps := v.GetStructValue()
		if ps == nil {
			return InitRequest{}, fmt.Errorf("profile must be an object")
		}
		req.Profile = domain.Profile(ps.AsMap())
	}
	for _, v := range s.GetFields()["focus_skills"].GetListValue().GetValues() {
		skill, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return InitRequest{}, fmt.Errorf("focus_skills must contain strings")
		}
		req.FocusSkills = append(req.FocusSkills, skill.StringValue)
	}
	return req, nil
}

func encodeLookupResponse(resp *LookupResponse) (*structpb.Struct, error) {
	fields := map[string]any{"session_id": resp.SessionID}
	if resp.CooldownEndsAt != nil {
		fields["cooldown_ends_at"] = resp.CooldownEndsAt.UTC().Format(time.RFC3339Nano)
	}
	if len(resp.PriorMessages) > 0 {
		prior := make([]any, 0, len(resp.PriorMessages))
		for _, m := range resp.PriorMessages {
			prior = append(prior, map[string]any{"role": string(m.Role), "content": m.Content})
		}
		fields["prior_messages"] = prior
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode lookup response: %w", err)
	}
	return s, nil
}

func decodeLookupResponse(s *structpb.Struct) (*LookupResponse, error) {
	resp := &LookupResponse{SessionID: stringField(s, "session_id")}
	if raw := stringField(s, "cooldown_ends_at"); raw != "" {
		endsAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("parse cooldown_ends_at %q: %w", raw, err)
		}
		resp.CooldownEndsAt = &endsAt
	}
	for _, v := range s.GetFields()["prior_messages"].GetListValue().GetValues() {
		m := v.GetStructValue()
		if m == nil {
			return nil, fmt.Errorf("prior_messages must contain objects")
		}
		resp.PriorMessages = append(resp.PriorMessages, domain.PriorMessage{
			Role:    domain.Role(stringField(m, "role")),
			Content: stringField(m, "content"),
		})
	}
	return resp, nil
}

func encodeChunk(c Chunk) (*structpb.Struct, error) {
	fields := map[string]any{"type": string(c.Kind)}
	switch c.Kind {
	case ChunkFragment:
		fields["text"] = c.Text
	case ChunkComplete:
		fields["finished"] = c.Finished
	case ChunkError:
		fields["error"] = c.Cause
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrMalformedChunk, c.Kind)
	}
	return structpb.NewStruct(fields)
}

func decodeChunk(s *structpb.Struct) (Chunk, error) {
	switch kind := ChunkKind(stringField(s, "type")); kind {
	case ChunkFragment:
		return Fragment(stringField(s, "text")), nil
	case ChunkComplete:
		return Complete(s.GetFields()["finished"].GetBoolValue()), nil
	case ChunkError:
		return Failure(stringField(s, "error")), nil
	default:
		return Chunk{}, fmt.Errorf("%w: unknown type %q", ErrMalformedChunk, kind)
	}
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}
