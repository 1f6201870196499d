package server

import (
	"context"
	"errors"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	"PoolLedger/internal/query"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC service every ledger method is registered under.
const ServiceName = "poolledger.v1.PoolLedger"

// Snapshotter stores a snapshot of the running core on demand.
type Snapshotter interface {
	Snapshot(ctx context.Context) (int64, error)
}

// EventLog reports the durable end of the event log.
type EventLog interface {
	GetLatestSequence(ctx context.Context) (int64, error)
}

// Deps holds what the ledger service needs. Admin collaborators may be nil,
// in which case the matching methods answer Unavailable.
type Deps struct {
	Submitter *ingestion.Submitter
	Queries   *query.QueryService
	Snapshots Snapshotter
	EventLog  EventLog
	Rebuild   func(ctx context.Context) error
	Auth      *Authenticator
	Logger    zerolog.Logger
}

// --- request and response bodies ---

type PoolRequest struct {
	PoolID uint64 `json:"pool_id"`
}

type ReceiptsRequest struct {
	PoolID uint64 `json:"pool_id"`
	Limit  int    `json:"limit"`
}

type AtRequest struct {
	At uint64 `json:"at"`
}

type PositionRequest struct {
	PositionID uint64 `json:"position_id"`
	At         uint64 `json:"at"`
}

type OwnerRequest struct {
	Owner uuid.UUID `json:"owner"`
}

type BalanceRequest struct {
	AccountPath string `json:"account_path"`
}

type AllocationsRequest struct {
	ProductID *uint64 `json:"product_id,omitempty"`
	Limit     int     `json:"limit"`
	AfterID   uint64  `json:"after_id"`
}

type JournalsRequest struct {
	AccountPath   string `json:"account_path"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type Empty struct{}

type ReceiptsResponse struct {
	Receipts []core.Receipt `json:"receipts"`
}

type CapacitiesResponse struct {
	Products []query.ProductCapacity `json:"products"`
}

type PositionsResponse struct {
	Positions []query.PositionSummary `json:"positions"`
}

type AllocationsResponse struct {
	Allocations []query.AllocationResponse `json:"allocations"`
}

type JournalsResponse struct {
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type SnapshotResponse struct {
	Sequence int64 `json:"sequence"`
}

type EventLogInfoResponse struct {
	LastSequence int64 `json:"last_sequence"`
}

type RebuildResponse struct {
	Completed bool `json:"completed"`
}

// --- method table ---

// method is one RPC. The same table drives the gRPC service descriptor and
// the HTTP routes.
type method struct {
	name   string
	newReq func() any
	call   func(s *service, ctx context.Context, req any) (any, error)
	// authenticated methods need a verified caller when auth is enabled.
	authenticated bool
}

var opMethods = []struct {
	name string
	et   event.EventType
}{
	{"FundWallet", event.EventTypeWalletFunded},
	{"DepositTo", event.EventTypeDepositRequested},
	{"ExtendDeposit", event.EventTypeExtendRequested},
	{"Withdraw", event.EventTypeWithdrawRequested},
	{"RequestAllocation", event.EventTypeAllocationRequested},
	{"Deallocate", event.EventTypeDeallocationRequested},
	{"BurnStake", event.EventTypeBurnRequested},
	{"RecalculateEffectiveWeights", event.EventTypeEffectiveWeightsRecalculation},
	{"SetPoolPrivacy", event.EventTypePoolPrivacyChanged},
	{"SetPoolFee", event.EventTypePoolFeeChanged},
	{"SetProducts", event.EventTypeProductsUpdated},
	{"UpdateCapacityParams", event.EventTypeCapacityParamsUpdated},
	{"ProcessExpirations", event.EventTypeExpirationsProcessed},
}

func methods() []method {
	var out []method
	for _, op := range opMethods {
		et := op.et
		out = append(out, method{
			name: op.name,
			newReq: func() any {
				evt, _ := event.New(et)
				return evt
			},
			call: func(s *service, ctx context.Context, req any) (any, error) {
				return s.submit(ctx, req.(event.Event))
			},
			authenticated: !permissionless(et),
		})
	}

	out = append(out,
		unary("GetPoolSummary", func(s *service, ctx context.Context, req *PoolRequest) (any, error) {
			return s.deps.Queries.GetPoolSummary(ctx, req.PoolID)
		}),
		unary("GetRecentReceipts", func(s *service, ctx context.Context, req *ReceiptsRequest) (any, error) {
			receipts, err := s.deps.Queries.GetRecentReceipts(ctx, req.PoolID, req.Limit)
			return &ReceiptsResponse{Receipts: receipts}, err
		}),
		unary("QuoteAllocation", func(s *service, ctx context.Context, req *core.QuoteRequest) (any, error) {
			q, err := s.deps.Queries.QuoteAllocation(ctx, *req)
			return &q, err
		}),
		unary("GetProductCapacities", func(s *service, ctx context.Context, req *AtRequest) (any, error) {
			caps, err := s.deps.Queries.GetProductCapacities(ctx, req.At)
			return &CapacitiesResponse{Products: caps}, err
		}),
		unary("GetPosition", func(s *service, ctx context.Context, req *PositionRequest) (any, error) {
			view, err := s.deps.Queries.GetPosition(ctx, req.PositionID, req.At)
			return &view, err
		}),
		unary("ListPositions", func(s *service, ctx context.Context, req *OwnerRequest) (any, error) {
			positions, err := s.deps.Queries.GetPositions(ctx, req.Owner)
			return &PositionsResponse{Positions: positions}, err
		}),
		unary("GetBalance", func(s *service, ctx context.Context, req *BalanceRequest) (any, error) {
			return s.deps.Queries.GetBalance(ctx, req.AccountPath)
		}),
		unary("ListAllocations", func(s *service, ctx context.Context, req *AllocationsRequest) (any, error) {
			allocs, err := s.deps.Queries.GetAllocations(ctx, req.ProductID, req.Limit, req.AfterID)
			return &AllocationsResponse{Allocations: allocs}, err
		}),
		unary("ListJournals", func(s *service, ctx context.Context, req *JournalsRequest) (any, error) {
			entries, err := s.deps.Queries.GetJournalHistory(ctx, req.AccountPath, req.Limit, req.AfterSequence)
			return &JournalsResponse{Entries: entries}, err
		}),
		unary("VerifyIntegrity", func(s *service, ctx context.Context, _ *Empty) (any, error) {
			return s.deps.Queries.VerifyIntegrity(ctx)
		}),
	)

	admin := []method{
		unary("TakeSnapshot", func(s *service, ctx context.Context, _ *Empty) (any, error) {
			if s.deps.Snapshots == nil {
				return nil, query.ErrUnavailable
			}
			seq, err := s.deps.Snapshots.Snapshot(ctx)
			return &SnapshotResponse{Sequence: seq}, err
		}),
		unary("RebuildProjections", func(s *service, ctx context.Context, _ *Empty) (any, error) {
			if s.deps.Rebuild == nil {
				return nil, query.ErrUnavailable
			}
			if err := s.deps.Rebuild(ctx); err != nil {
				return nil, err
			}
			return &RebuildResponse{Completed: true}, nil
		}),
		unary("GetEventLogInfo", func(s *service, ctx context.Context, _ *Empty) (any, error) {
			if s.deps.EventLog == nil {
				return nil, query.ErrUnavailable
			}
			seq, err := s.deps.EventLog.GetLatestSequence(ctx)
			return &EventLogInfoResponse{LastSequence: seq}, err
		}),
	}
	for i := range admin {
		admin[i].authenticated = true
	}
	return append(out, admin...)
}

func unary[Req any](name string, call func(s *service, ctx context.Context, req *Req) (any, error)) method {
	return method{
		name:   name,
		newReq: func() any { return new(Req) },
		call: func(s *service, ctx context.Context, req any) (any, error) {
			return call(s, ctx, req.(*Req))
		},
	}
}

// Keeper operations can be triggered by anyone.
func permissionless(et event.EventType) bool {
	return et == event.EventTypeExpirationsProcessed || et == event.EventTypeEffectiveWeightsRecalculation
}

// --- service ---

// ledgerServer is the handler type the descriptor is registered with.
type ledgerServer interface {
	invoke(ctx context.Context, m method, req any) (any, error)
}

type service struct {
	deps Deps
}

func (s *service) invoke(ctx context.Context, m method, req any) (any, error) {
	if m.authenticated && s.deps.Auth != nil {
		if _, ok := CallerFromContext(ctx); !ok {
			return nil, status.Error(codes.Unauthenticated, ErrNoBearerToken.Error())
		}
	}
	out, err := m.call(s, ctx, req)
	if err != nil {
		s.deps.Logger.Debug().Err(err).Str("method", m.name).Msg("request failed")
		return nil, toStatus(err)
	}
	return out, nil
}

func (s *service) submit(ctx context.Context, evt event.Event) (*core.Receipt, error) {
	if caller, ok := CallerFromContext(ctx); ok {
		if a, ok := evt.(interface{ Authenticate(uuid.UUID) }); ok {
			a.Authenticate(caller)
		}
	}
	receipt, err := s.deps.Submitter.Submit(ctx, evt)
	if err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ServiceDesc builds the hand-written gRPC descriptor from the method table.
func ServiceDesc() grpc.ServiceDesc {
	table := methods()
	desc := grpc.ServiceDesc{
		ServiceName: ServiceName,
		HandlerType: (*ledgerServer)(nil),
		Metadata:    "poolledger.v1",
	}
	for _, m := range table {
		m := m
		desc.Methods = append(desc.Methods, grpc.MethodDesc{
			MethodName: m.name,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := m.newReq()
				if err := dec(req); err != nil {
					return nil, status.Errorf(codes.InvalidArgument, "decode %s: %v", m.name, err)
				}
				ls := srv.(ledgerServer)
				handler := func(ctx context.Context, req any) (any, error) {
					return ls.invoke(ctx, m, req)
				}
				if interceptor == nil {
					return handler(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + m.name}
				return interceptor(ctx, req, info, handler)
			},
		})
	}
	return desc
}

// toStatus maps ledger and query errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var code codes.Code
	switch {
	case errors.Is(err, ingestion.ErrInvalidEvent):
		code = codes.InvalidArgument
	case errors.Is(err, query.ErrNotFound):
		code = codes.NotFound
	case errors.Is(err, query.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	default:
		switch core.Kind(err) {
		case core.KindAuthorization:
			code = codes.PermissionDenied
		case core.KindTemporal, core.KindHalted:
			code = codes.FailedPrecondition
		case core.KindCapacity:
			code = codes.ResourceExhausted
		case core.KindArithmetic:
			code = codes.OutOfRange
		case core.KindValidation:
			code = codes.InvalidArgument
		default:
			code = codes.Internal
		}
	}
	return status.Error(code, err.Error())
}
