package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PoolLedger/internal/core"
	"PoolLedger/internal/event"
	"PoolLedger/internal/ingestion"
	fpmath "PoolLedger/internal/math"
	"PoolLedger/internal/observability"
	"PoolLedger/internal/query"
	"PoolLedger/internal/server"
	"PoolLedger/internal/state"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const (
	t0     = 200 * state.TrancheDuration
	secret = "test-secret"
)

func nxm(v uint64) uint256.Int {
	out, _ := fpmath.Mul(fpmath.U64(v), fpmath.OneNXM)
	return out
}

type fixture struct {
	srv     *server.GRPCServer
	conn    *grpc.ClientConn
	auth    *server.Authenticator
	manager uuid.UUID
	cover   uuid.UUID
	alice   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		auth:    server.NewAuthenticator(secret, "poolledger-test"),
		manager: uuid.New(),
		cover:   uuid.New(),
		alice:   uuid.New(),
	}

	engine, err := core.NewEngine(core.DefaultConfig(core.Genesis{
		PoolID:              1,
		Manager:             f.manager,
		CoverModule:         f.cover,
		PoolFeeRatio:        10,
		Time:                t0,
		GlobalCapacityRatio: 2_00_00,
		GlobalMinPrice:      nxm(1),
		Products:            []core.GenesisProduct{{ProductID: 0, TargetWeight: 100, TargetPrice: nxm(2)}},
	}), nil, nil, nil, nil, zerolog.Nop())
	require.NoError(t, err)

	in := make(chan core.Submission)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx, in)

	f.srv = server.NewGRPCServer("", "", server.Deps{
		Submitter: ingestion.NewSubmitter(in, nil, zerolog.Nop()),
		Queries:   query.NewQueryService(nil, nil, in, nil, zerolog.Nop()),
		Auth:      f.auth,
		Logger:    zerolog.Nop(),
	}, observability.NewHealthChecker())

	lis := bufconn.Listen(1 << 20)
	go f.srv.Serve(lis)
	t.Cleanup(f.srv.Stop)

	f.conn, err = grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype("json")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { f.conn.Close() })
	return f
}

func (f *fixture) as(t *testing.T, caller uuid.UUID) context.Context {
	tok, err := f.auth.Mint(caller, time.Minute)
	require.NoError(t, err)
	return metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer "+tok)
}

func (f *fixture) invoke(ctx context.Context, name string, req, resp any) error {
	return f.conn.Invoke(ctx, "/"+server.ServiceName+"/"+name, req, resp)
}

func header() event.Header {
	// Caller is left empty: the token decides who is calling.
	return event.Header{RequestID: uuid.New(), Timestamp: t0}
}

func (f *fixture) deposit(t *testing.T, amount uint256.Int) core.Receipt {
	t.Helper()
	var r core.Receipt
	require.NoError(t, f.invoke(f.as(t, f.cover), "FundWallet", &event.WalletFunded{Header: header(), Member: f.alice, Amount: amount}, &r))
	require.NoError(t, f.invoke(f.as(t, f.alice), "DepositTo", &event.DepositRequested{Header: header(), Amount: amount, TrancheID: state.TrancheID(t0)}, &r))
	return r
}

func TestGRPC_OperationsUseTokenCaller(t *testing.T) {
	f := newFixture(t)
	r := f.deposit(t, nxm(100))
	require.NotZero(t, r.PositionID)

	var view core.PositionView
	require.NoError(t, f.invoke(context.Background(), "GetPosition", &server.PositionRequest{PositionID: r.PositionID, At: t0}, &view))
	assert.Equal(t, f.alice.String(), view.Owner)
	require.Len(t, view.Tranches, 1)
	assert.Equal(t, nxm(100), view.Tranches[0].Stake)
}

func TestGRPC_OperationWithoutTokenIsUnauthenticated(t *testing.T) {
	f := newFixture(t)
	var r core.Receipt
	err := f.invoke(context.Background(), "SetPoolPrivacy", &event.PoolPrivacyChanged{Header: header(), IsPrivate: true}, &r)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	bad := metadata.AppendToOutgoingContext(context.Background(), "authorization", "Bearer not-a-jwt")
	err = f.invoke(bad, "GetProductCapacities", &server.AtRequest{At: t0}, &server.CapacitiesResponse{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_KeeperOperationsArePermissionless(t *testing.T) {
	f := newFixture(t)
	var r core.Receipt
	require.NoError(t, f.invoke(context.Background(), "ProcessExpirations", &event.ExpirationsProcessed{Header: header()}, &r))
	assert.Equal(t, "ExpirationsProcessed", r.EventType)
}

func TestGRPC_LedgerErrorsMapToCodes(t *testing.T) {
	f := newFixture(t)
	var r core.Receipt

	err := f.invoke(f.as(t, f.alice), "SetPoolPrivacy", &event.PoolPrivacyChanged{Header: header(), IsPrivate: true}, &r)
	assert.Equal(t, codes.PermissionDenied, status.Code(err))

	f.deposit(t, nxm(10))
	var q core.Quote
	err = f.invoke(context.Background(), "QuoteAllocation", &core.QuoteRequest{ProductID: 0, Amount: nxm(1_000), Period: 30 * state.Day, At: t0}, &q)
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))

	err = f.invoke(context.Background(), "ListPositions", &server.OwnerRequest{Owner: f.alice}, &server.PositionsResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))

	err = f.invoke(f.as(t, f.manager), "TakeSnapshot", &server.Empty{}, &server.SnapshotResponse{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
	err = f.invoke(context.Background(), "TakeSnapshot", &server.Empty{}, &server.SnapshotResponse{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_HealthFollowsServing(t *testing.T) {
	f := newFixture(t)
	client := healthpb.NewHealthClient(f.conn)
	// The health service is protobuf; override the default json subtype.
	proto := grpc.CallContentSubtype("proto")

	resp, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName}, proto)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	f.srv.SetServing(true)
	resp, err = client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: server.ServiceName}, proto)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

func TestHTTP_Gateway(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, nxm(100))

	handler, err := f.srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	body, _ := json.Marshal(&core.QuoteRequest{ProductID: 0, Amount: nxm(10), Period: 30 * state.Day, At: t0})
	resp, err := http.Post(ts.URL+"/v1/QuoteAllocation", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var quote map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&quote))
	premium, ok := quote["premium"].(string)
	require.True(t, ok, "premium is a decimal string: %v", quote["premium"])
	assert.NotEqual(t, "0", premium)

	resp2, err := http.Post(ts.URL+"/v1/QuoteAllocation", "application/json", bytes.NewReader([]byte("{")))
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/v1/pools/1/summary")
	require.NoError(t, err)
	resp3.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp3.StatusCode)

	resp4, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp4.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp4.StatusCode)
	f.srv.SetServing(true)
	resp5, err := http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp5.Body.Close()
	assert.Equal(t, http.StatusOK, resp5.StatusCode)
}

func TestHTTP_OperationNeedsBearer(t *testing.T) {
	f := newFixture(t)
	handler, err := f.srv.Handler()
	require.NoError(t, err)
	ts := httptest.NewServer(handler)
	defer ts.Close()

	body, _ := json.Marshal(&event.WalletFunded{Header: header(), Member: f.alice, Amount: nxm(1)})
	resp, err := http.Post(ts.URL+"/v1/FundWallet", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := f.auth.Mint(f.cover, time.Minute)
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/FundWallet", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var r core.Receipt
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&r))
	assert.Equal(t, "WalletFunded", r.EventType)
}
