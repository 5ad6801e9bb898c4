package handler

import (
	"context"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/pesio-ai/be-ad-reservations/internal/errors"
	"github.com/pesio-ai/be-ad-reservations/internal/logger"
	"github.com/pesio-ai/be-ad-reservations/internal/repository"
	"github.com/pesio-ai/be-ad-reservations/internal/service"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "adreservations.v1.ReservationEngine"

// actorMetadataKey carries the caller id on gRPC requests.
const actorMetadataKey = "x-actor-id"

// ReservationEngineServer is the gRPC surface of the engine. Messages are
// google.protobuf.Struct values with the same field names as the REST API.
type ReservationEngineServer interface {
	RegisterCampaign(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AttachSchedule(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AdvanceStage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideTalentApproval(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelHold(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetReservation(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckAvailability(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SweepExpired(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// ReservationEngineServiceDesc describes ReservationEngineServer for grpc.Server.
var ReservationEngineServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ReservationEngineServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RegisterCampaign", ReservationEngineServer.RegisterCampaign),
		unaryMethod("AttachSchedule", ReservationEngineServer.AttachSchedule),
		unaryMethod("AdvanceStage", ReservationEngineServer.AdvanceStage),
		unaryMethod("DecideApproval", ReservationEngineServer.DecideApproval),
		unaryMethod("DecideTalentApproval", ReservationEngineServer.DecideTalentApproval),
		unaryMethod("CancelHold", ReservationEngineServer.CancelHold),
		unaryMethod("GetReservation", ReservationEngineServer.GetReservation),
		unaryMethod("CheckAvailability", ReservationEngineServer.CheckAvailability),
		unaryMethod("SweepExpired", ReservationEngineServer.SweepExpired),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "adreservations/v1/engine.proto",
}

type unaryCall func(ReservationEngineServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryMethod(name string, call unaryCall) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(ReservationEngineServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// RegisterReservationEngineServer registers srv on s.
func RegisterReservationEngineServer(s grpc.ServiceRegistrar, srv ReservationEngineServer) {
	s.RegisterService(&ReservationEngineServiceDesc, srv)
}

// GRPCHandler implements ReservationEngineServer over the engine.
type GRPCHandler struct {
	engine *service.Engine
	log    *logger.Logger
}

// NewGRPCHandler creates a new gRPC handler
func NewGRPCHandler(engine *service.Engine, log *logger.Logger) *GRPCHandler {
	return &GRPCHandler{
		engine: engine,
		log:    logger.OrNop(log).Component("grpc"),
	}
}

// grpcActor extracts the caller id from request metadata.
func grpcActor(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(actorMetadataKey); len(v) > 0 && strings.TrimSpace(v[0]) != "" {
			return strings.TrimSpace(v[0])
		}
	}
	return "anonymous"
}

// RegisterCampaign registers a campaign at stage 10.
func (h *GRPCHandler) RegisterCampaign(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	c, err := h.engine.RegisterCampaign(ctx, service.RegisterCampaignInput{
		ID:           field(in, "id"),
		AdvertiserID: field(in, "advertiser_id"),
		Categories:   stringList(in, "categories"),
		CreatedBy:    grpcActor(ctx),
	})
	return h.reply("RegisterCampaign", c, err)
}

// AttachSchedule replaces a campaign's pending schedule.
func (h *GRPCHandler) AttachSchedule(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	lines, err := scheduleLines(in)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	items, err := scheduleItems(lines)
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	result, err := h.engine.AttachSchedule(ctx, field(in, "campaign_id"), items, grpcActor(ctx))
	return h.reply("AttachSchedule", result, err)
}

// AdvanceStage moves a campaign to target_stage.
func (h *GRPCHandler) AdvanceStage(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	stage, err := intField(in, "target_stage")
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	result, err := h.engine.AdvanceStage(ctx, field(in, "campaign_id"), repository.ProbabilityStage(stage), grpcActor(ctx))
	return h.reply("AdvanceStage", result, err)
}

// DecideApproval approves or rejects an admin approval.
func (h *GRPCHandler) DecideApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	action, err := service.ParseDecision(strings.ToLower(field(in, "action")))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	result, err := h.engine.DecideApproval(ctx, field(in, "approval_id"), action, grpcActor(ctx), field(in, "notes"))
	return h.reply("DecideApproval", result, err)
}

// DecideTalentApproval approves or denies a talent request.
func (h *GRPCHandler) DecideTalentApproval(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	action, err := service.ParseDecision(strings.ToLower(field(in, "action")))
	if err != nil {
		return nil, mapErrorToGRPC(err)
	}
	tr, err := h.engine.DecideTalentApproval(ctx, field(in, "request_id"), action, grpcActor(ctx), field(in, "notes"))
	return h.reply("DecideTalentApproval", tr, err)
}

// CancelHold releases a pending campaign's hold.
func (h *GRPCHandler) CancelHold(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	result, err := h.engine.CancelHold(ctx, field(in, "campaign_id"), field(in, "reason"), grpcActor(ctx))
	return h.reply("CancelHold", result, err)
}

// GetReservation returns a reservation with its items.
func (h *GRPCHandler) GetReservation(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	res, err := h.engine.GetReservation(ctx, field(in, "reservation_id"))
	return h.reply("GetReservation", res, err)
}

// CheckAvailability reports the counter for one episode and placement.
func (h *GRPCHandler) CheckAvailability(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	placement, err := repository.ParsePlacementType(field(in, "placement_type"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	a, err := h.engine.CheckAvailability(ctx, field(in, "episode_id"), placement)
	return h.reply("CheckAvailability", a, err)
}

// SweepExpired runs one expiration sweep.
func (h *GRPCHandler) SweepExpired(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	report, err := h.engine.SweepExpired(ctx)
	return h.reply("SweepExpired", report, err)
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (h *GRPCHandler) reply(method string, v interface{}, err error) (*structpb.Struct, error) {
	if err != nil {
		if errors.CodeOf(err) == errors.ErrCodeInternal {
			h.log.Error().Err(err).Str("method", method).Msg("gRPC call failed")
		}
		return nil, mapErrorToGRPC(err)
	}
	out, err := toStruct(v)
	if err != nil {
		h.log.Error().Err(err).Str("method", method).Msg("Failed to encode response")
		return nil, status.Error(codes.Internal, "failed to encode response")
	}
	return out, nil
}

func toStruct(v interface{}) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, err
	}
	return out, nil
}

func field(in *structpb.Struct, name string) string {
	return strings.TrimSpace(in.GetFields()[name].GetStringValue())
}

// intField reads a whole number. Struct numbers are doubles, so fractions and
// out-of-range values are rejected rather than truncated.
func intField(in *structpb.Struct, name string) (int, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, errors.InvalidInput(name, "is required")
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, errors.InvalidInput(name, "must be a number")
	}
	if n.NumberValue != math.Trunc(n.NumberValue) || math.Abs(n.NumberValue) > math.MaxInt32 {
		return 0, errors.InvalidInput(name, "must be a whole number")
	}
	return int(n.NumberValue), nil
}

func stringList(in *structpb.Struct, name string) []string {
	var out []string
	for _, v := range in.GetFields()[name].GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

func scheduleLines(in *structpb.Struct) ([]ScheduleLineRequest, error) {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid request")
	}
	var req AttachScheduleRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidInput, "invalid schedule items")
	}
	return req.Items, nil
}

// mapErrorToGRPC converts engine errors to gRPC status errors.
func mapErrorToGRPC(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := errors.CodeOf(err)
	msg := err.Error()
	if code == errors.ErrCodeInternal {
		msg = "internal error"
	}
	return status.Error(errors.GRPCCode(code), msg)
}

// UnaryLogger logs each unary call.
func UnaryLogger(log *logger.Logger) grpc.UnaryServerInterceptor {
	log = logger.OrNop(log)
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		log.Info().
			Str("method", info.FullMethod).
			Str("code", status.Code(err).String()).
			Dur("duration", time.Since(start)).
			Msg("gRPC request")
		return resp, err
	}
}
