package server

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"StakeLedger/internal/address"
	"StakeLedger/internal/observability"
	"StakeLedger/internal/query"
)

const queryServiceName = "stakeledger.query.v1.StakeQueryService"

// AccountRequest names a stake account. UnixTime defaults to the indexed
// chain time.
type AccountRequest struct {
	Address  string `json:"address"`
	UnixTime *int64 `json:"unix_time,omitempty"`
}

// OwnerRequest names a stake account owner.
type OwnerRequest struct {
	Owner    string `json:"owner"`
	UnixTime *int64 `json:"unix_time,omitempty"`
}

// QueryBackend is the read API the server exposes. *query.StakeService
// implements it.
type QueryBackend interface {
	GetBalanceSummary(ctx context.Context, addr address.PublicKey, at *int64) (*query.BalanceSummaryResponse, error)
	GetPositions(ctx context.Context, addr address.PublicKey, at *int64) (*query.PositionsResponse, error)
	ListStakeAccounts(ctx context.Context, owner address.PublicKey, at *int64) (*query.StakeAccountsResponse, error)
	DeriveAddresses(addr address.PublicKey) (*query.AddressesResponse, error)
}

// StakeQueryServer is the server API for StakeQueryService.
type StakeQueryServer interface {
	GetBalanceSummary(context.Context, *AccountRequest) (*query.BalanceSummaryResponse, error)
	ListPositions(context.Context, *AccountRequest) (*query.PositionsResponse, error)
	ListStakeAccounts(context.Context, *OwnerRequest) (*query.StakeAccountsResponse, error)
	DeriveAddresses(context.Context, *AccountRequest) (*query.AddressesResponse, error)
}

// RegisterStakeQueryServer registers srv on s.
func RegisterStakeQueryServer(s grpc.ServiceRegistrar, srv StakeQueryServer) {
	s.RegisterService(&stakeQueryServiceDesc, srv)
}

var stakeQueryServiceDesc = grpc.ServiceDesc{
	ServiceName: queryServiceName,
	HandlerType: (*StakeQueryServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetBalanceSummary", Handler: getBalanceSummaryHandler},
		{MethodName: "ListPositions", Handler: listPositionsHandler},
		{MethodName: "ListStakeAccounts", Handler: listStakeAccountsHandler},
		{MethodName: "DeriveAddresses", Handler: deriveAddressesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "stakeledger/query/v1/query.json",
}

func fullMethod(name string) string {
	return "/" + queryServiceName + "/" + name
}

func getBalanceSummaryHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StakeQueryServer).GetBalanceSummary(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("GetBalanceSummary")}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StakeQueryServer).GetBalanceSummary(ctx, req.(*AccountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listPositionsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StakeQueryServer).ListPositions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ListPositions")}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StakeQueryServer).ListPositions(ctx, req.(*AccountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listStakeAccountsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(OwnerRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StakeQueryServer).ListStakeAccounts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("ListStakeAccounts")}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StakeQueryServer).ListStakeAccounts(ctx, req.(*OwnerRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deriveAddressesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StakeQueryServer).DeriveAddresses(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod("DeriveAddresses")}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StakeQueryServer).DeriveAddresses(ctx, req.(*AccountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ============================================================================
// StakeQueryService implementation
// ============================================================================

type queryServiceImpl struct {
	backend QueryBackend
	metrics *observability.Metrics
}

func newQueryServiceImpl(backend QueryBackend, metrics *observability.Metrics) *queryServiceImpl {
	return &queryServiceImpl{backend: backend, metrics: metrics}
}

func parseKey(field, s string) (address.PublicKey, error) {
	if s == "" {
		return address.PublicKey{}, status.Errorf(codes.InvalidArgument, "%s is required", field)
	}
	pk, err := address.ParsePublicKey(s)
	if err != nil {
		return address.PublicKey{}, status.Errorf(codes.InvalidArgument, "invalid %s: %v", field, err)
	}
	return pk, nil
}

func (s *queryServiceImpl) GetBalanceSummary(ctx context.Context, req *AccountRequest) (*query.BalanceSummaryResponse, error) {
	addr, err := parseKey("address", req.Address)
	if err != nil {
		return nil, s.fail("GetBalanceSummary", err)
	}
	resp, err := s.backend.GetBalanceSummary(ctx, addr, req.UnixTime)
	if err != nil {
		return nil, s.fail("GetBalanceSummary", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListPositions(ctx context.Context, req *AccountRequest) (*query.PositionsResponse, error) {
	addr, err := parseKey("address", req.Address)
	if err != nil {
		return nil, s.fail("ListPositions", err)
	}
	resp, err := s.backend.GetPositions(ctx, addr, req.UnixTime)
	if err != nil {
		return nil, s.fail("ListPositions", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) ListStakeAccounts(ctx context.Context, req *OwnerRequest) (*query.StakeAccountsResponse, error) {
	owner, err := parseKey("owner", req.Owner)
	if err != nil {
		return nil, s.fail("ListStakeAccounts", err)
	}
	resp, err := s.backend.ListStakeAccounts(ctx, owner, req.UnixTime)
	if err != nil {
		return nil, s.fail("ListStakeAccounts", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) DeriveAddresses(_ context.Context, req *AccountRequest) (*query.AddressesResponse, error) {
	addr, err := parseKey("address", req.Address)
	if err != nil {
		return nil, s.fail("DeriveAddresses", err)
	}
	resp, err := s.backend.DeriveAddresses(addr)
	if err != nil {
		return nil, s.fail("DeriveAddresses", err)
	}
	return resp, nil
}

func (s *queryServiceImpl) fail(endpoint string, err error) error {
	st := toStatus(err)
	if s.metrics != nil {
		s.metrics.QueryErrors.WithLabelValues(endpoint, status.Code(st).String()).Inc()
	}
	return st
}

// withQueryTimeout bounds a query when the caller set no deadline.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 10*time.Second)
}
