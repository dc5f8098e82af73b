package verification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/richxcame/visitguard/internal/fraud"
	"github.com/richxcame/visitguard/internal/ratelimit"
	"github.com/richxcame/visitguard/internal/replay"
	"github.com/richxcame/visitguard/pkg/config"
	"github.com/richxcame/visitguard/pkg/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// ============== helpers ==============

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc     *Service
	clk     *clock
	nonces  *replay.Store
	limiter *ratelimit.Limiter
	scorer  *fraud.Scorer
}

func rateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		MaxVisitsPerHour:  1,
		MaxVisitsPerDay:   10,
		MaxDevicesPerHour: 3,
		BlockDuration:     24 * time.Hour,
		Retention:         24 * time.Hour,
		SweepInterval:     6 * time.Hour,
	}
}

// newFixture wires the real components over one in-memory store. A non-nil
// scorer replaces the real one in the service.
func newFixture(t *testing.T, scorer RiskScorer) *fixture {
	t.Helper()
	clk := &clock{t: t0}
	kv := kvstore.NewMemoryStore()

	f := &fixture{
		clk:     clk,
		nonces:  replay.NewStore(kv, config.ReplayConfig{NonceTTL: 24 * time.Hour}, nil).WithNow(clk.Now),
		limiter: ratelimit.NewLimiter(kv, rateLimitConfig(), nil).WithNow(clk.Now),
		scorer:  fraud.NewScorer(kv, config.DefaultRiskConfig(), nil, nil).WithNow(clk.Now),
	}
	t.Cleanup(f.limiter.Wait)

	if scorer == nil {
		scorer = f.scorer
	}
	f.svc = NewService(f.nonces, f.limiter, scorer, nil).WithNow(clk.Now)
	return f
}

func newClaim(client, branch, device, nonce string) Claim {
	return Claim{
		ClientID:  client,
		BranchID:  branch,
		QRContent: "q8Zr2LmX9vT4bNc7-" + nonce,
		NonceCode: nonce,
		DeviceID:  device,
		Location:  &fraud.Location{Latitude: 52.5200, Longitude: 13.4050, AccuracyMeters: 8},
	}
}

func eventPatterns(t *testing.T, f *fixture) []fraud.PatternTag {
	t.Helper()
	events, err := f.scorer.RecentEvents(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	var out []fraud.PatternTag
	for _, e := range events {
		out = append(out, e.Patterns...)
	}
	return out
}

type mockNonces struct {
	mock.Mock
}

func (m *mockNonces) Claim(ctx context.Context, code string, ts time.Time, origin replay.Origin) (*replay.Hold, error) {
	args := m.Called(ctx, code, ts, origin)
	hold, _ := args.Get(0).(*replay.Hold)
	return hold, args.Error(1)
}

// countingHold records how often each side of a hold was used.
type countingHold struct {
	committed, released int
	commitErr           error
}

func (c *countingHold) hold() *replay.Hold {
	return &replay.Hold{
		Commit:  func(context.Context) error { c.committed++; return c.commitErr },
		Release: func(context.Context) error { c.released++; return nil },
	}
}

func (m *mockNonces) MigrateToSynced(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}

func (m *mockNonces) Pending(ctx context.Context, limit int) ([]replay.NonceRecord, error) {
	args := m.Called(ctx, limit)
	records, _ := args.Get(0).([]replay.NonceRecord)
	return records, args.Error(1)
}

func (m *mockNonces) Counts(ctx context.Context) (replay.Counts, error) {
	args := m.Called(ctx)
	return args.Get(0).(replay.Counts), args.Error(1)
}

type mockLimiter struct {
	mock.Mock
}

func (m *mockLimiter) Reserve(ctx context.Context, clientID, branchID, deviceID, locationTag string) (ratelimit.Result, *ratelimit.Reservation, error) {
	args := m.Called(ctx, clientID, branchID, deviceID, locationTag)
	return args.Get(0).(ratelimit.Result), nil, args.Error(1)
}

func (m *mockLimiter) UnblockClient(ctx context.Context, clientID string) error {
	return m.Called(ctx, clientID).Error(0)
}

func (m *mockLimiter) GetBlock(ctx context.Context, clientID string) (*ratelimit.BlockedClient, error) {
	args := m.Called(ctx, clientID)
	block, _ := args.Get(0).(*ratelimit.BlockedClient)
	return block, args.Error(1)
}

func (m *mockLimiter) ActiveBlockCount(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

type mockScorer struct {
	mock.Mock
}

func (m *mockScorer) Analyze(ctx context.Context, in fraud.Input) (*fraud.RiskAnalysisResult, error) {
	args := m.Called(ctx, in)
	risk, _ := args.Get(0).(*fraud.RiskAnalysisResult)
	return risk, args.Error(1)
}

func (m *mockScorer) LogFraudEvent(ctx context.Context, event fraud.FraudEvent) error {
	return m.Called(ctx, event).Error(0)
}

func (m *mockScorer) RecentEventCount(ctx context.Context, window time.Duration) (int, error) {
	args := m.Called(ctx, window)
	return args.Int(0), args.Error(1)
}

var errBackend = errors.New("backend down")

// ============== accept path ==============

func TestVerifyClaim_AcceptsFirstClaim(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)

	assert.True(t, decision.Accepted)
	assert.Equal(t, OutcomeAccepted, decision.Outcome)
	assert.Equal(t, DenyNone, decision.DenyReason)
	assert.Equal(t, 1, decision.RemainingVisits)
	require.NotNil(t, decision.Risk)
	assert.Less(t, decision.Risk.RiskScore, 0.4)

	used, err := f.nonces.IsUsed(ctx, "nonce-1")
	require.NoError(t, err)
	assert.True(t, used)

	counts, err := f.nonces.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, replay.Counts{Pending: 1}, counts)

	res, err := f.limiter.CheckLimit(ctx, "client-1", "branch-1", "device-1", "")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, ratelimit.RuleHourly, res.Rule)
}

func TestVerifyClaim_OnlineModeRecordsSynced(t *testing.T) {
	f := newFixture(t, nil)
	claim := newClaim("client-1", "branch-1", "device-1", "nonce-1")
	claim.Mode = ModeOnline

	decision, err := f.svc.VerifyClaim(context.Background(), claim)
	require.NoError(t, err)
	assert.True(t, decision.Accepted)

	counts, err := f.nonces.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, replay.Counts{Synced: 1}, counts)
}

func TestVerifyClaim_NonceFallsBackToQRContent(t *testing.T) {
	f := newFixture(t, nil)
	claim := newClaim("client-1", "branch-1", "device-1", "")
	claim.QRContent = "Zk3pQ9vLm2Xr8TnB"

	decision, err := f.svc.VerifyClaim(context.Background(), claim)
	require.NoError(t, err)
	assert.True(t, decision.Accepted)

	used, err := f.nonces.IsUsed(context.Background(), "Zk3pQ9vLm2Xr8TnB")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestVerifyClaim_DerivesLocationTag(t *testing.T) {
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Return(&fraud.RiskAnalysisResult{Recommendation: fraud.RecommendAllow}, nil)
	limiter := new(mockLimiter)
	limiter.On("Reserve", mock.Anything, "client-1", "branch-1", "device-1", mock.MatchedBy(func(tag string) bool {
		return tag != ""
	})).Return(ratelimit.Result{Allowed: true, RemainingVisits: 1}, nil)
	nonces := new(mockNonces)
	held := &countingHold{}
	nonces.On("Claim", mock.Anything, "nonce-1", t0, replay.OriginLocal).Return(held.hold(), nil)

	svc := NewService(nonces, limiter, scorer, nil).WithNow(func() time.Time { return t0 })
	decision, err := svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.Equal(t, 1, held.committed)
	assert.Zero(t, held.released)
	limiter.AssertExpectations(t)
	nonces.AssertExpectations(t)
}

// ============== policy denials ==============

func TestVerifyClaim_ReplayDenied(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	first, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	require.True(t, first.Accepted)

	f.clk.Advance(70 * time.Minute)
	replayed, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-2", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.False(t, replayed.Accepted)
	assert.Equal(t, OutcomePolicyDenial, replayed.Outcome)
	assert.Equal(t, DenyReplay, replayed.DenyReason)
	assert.NotNil(t, replayed.Risk, "replays are still scored")
	assert.Contains(t, eventPatterns(t, f), fraud.PatternReplayAttempt)

	// the replay was not charged to branch-2's hourly cap
	fresh, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-2", "device-1", "nonce-2"))
	require.NoError(t, err)
	assert.True(t, fresh.Accepted)
}

func TestVerifyClaim_HourlyCapReleasesNonce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)

	f.clk.Advance(30 * time.Minute)
	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-2"))
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, DenyRateLimit, decision.DenyReason)
	require.NotNil(t, decision.NextAllowedAt)
	assert.True(t, decision.NextAllowedAt.Equal(t0.Add(time.Hour)))
	assert.NotNil(t, decision.Risk)

	used, err := f.nonces.IsUsed(ctx, "nonce-2")
	require.NoError(t, err)
	assert.False(t, used, "a denied claim must not consume its nonce")

	f.clk.Advance(31 * time.Minute)
	decision, err = f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-2"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
}

func TestVerifyClaim_DeviceFanOutBlocks(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1",
			fmt.Sprintf("branch-%d", i), fmt.Sprintf("device-%d", i), fmt.Sprintf("nonce-%d", i)))
		require.NoError(t, err)
		require.True(t, decision.Accepted, "claim %d", i)
		f.clk.Advance(10 * time.Minute)
	}

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-4", "device-4", "nonce-4"))
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, DenyBlocked, decision.DenyReason)
	assert.Equal(t, ratelimit.ReasonDevicePattern, decision.Detail)
	assert.Contains(t, eventPatterns(t, f), fraud.PatternDeviceFanOut)

	f.clk.Advance(time.Minute)
	decision, err = f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-5", "device-1", "nonce-5"))
	require.NoError(t, err)
	assert.Equal(t, DenyBlocked, decision.DenyReason)
	assert.Contains(t, decision.Detail, "blocked")

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ActiveBlocks)
	assert.Equal(t, 3, stats.PendingNonces)

	f.clk.Advance(25 * time.Hour)
	decision, err = f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-5", "device-1", "nonce-6"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted, "the block expires without an unblock call")
}

func TestVerifyClaim_UnblockLiftsBlock(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.limiter.BlockClient(ctx, "client-1", "manual", t0))

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, DenyBlocked, decision.DenyReason)

	block, err := f.svc.GetBlock(ctx, "client-1")
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, "manual", block.Reason)

	require.NoError(t, f.svc.UnblockClient(ctx, "client-1"))

	decision, err = f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
}

func TestVerifyClaim_FraudRiskReleasesReservations(t *testing.T) {
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Return(&fraud.RiskAnalysisResult{
		IsFraudulent:     true,
		RiskScore:        0.85,
		DetectedPatterns: []fraud.PatternTag{fraud.PatternImpossibleVelocity},
		Recommendation:   fraud.RecommendBlock,
	}, nil)
	f := newFixture(t, scorer)
	ctx := context.Background()

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.False(t, decision.Accepted)
	assert.Equal(t, DenyFraudRisk, decision.DenyReason)
	assert.InDelta(t, 0.85, decision.Risk.RiskScore, 1e-9)

	used, err := f.nonces.IsUsed(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, used)

	res, err := f.limiter.CheckLimit(ctx, "client-1", "branch-1", "device-1", "")
	require.NoError(t, err)
	assert.True(t, res.Allowed, "the reserved visit was released")
}

func TestVerifyClaim_ConfirmDuringClaimDoesNotBurnNonce(t *testing.T) {
	var f *fixture
	var confirmed ConfirmResult
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		// the sync agent confirms while the claim is still undecided
		pending, err := f.svc.PendingNonces(context.Background(), 0)
		require.NoError(t, err)
		assert.Empty(t, pending)

		confirmed, err = f.svc.ConfirmNonces(context.Background(), []string{"nonce-1"})
		require.NoError(t, err)
	}).Return(&fraud.RiskAnalysisResult{RiskScore: 0.9, Recommendation: fraud.RecommendBlock}, nil)
	f = newFixture(t, scorer)
	ctx := context.Background()

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, DenyFraudRisk, decision.DenyReason)
	assert.Equal(t, []string{"nonce-1"}, confirmed.Missing)
	assert.Empty(t, confirmed.Migrated)

	used, err := f.nonces.IsUsed(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, used, "a denied claim leaves its nonce reusable")
}

func TestVerifyClaim_AcceptedNonceIsOfferedForSync(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	require.True(t, decision.Accepted)

	result, err := f.svc.ConfirmNonces(ctx, []string{"nonce-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"nonce-1"}, result.Migrated)
}

func TestVerifyClaim_CommitFailureFailsClosed(t *testing.T) {
	held := &countingHold{commitErr: errBackend}
	nonces := new(mockNonces)
	nonces.On("Claim", mock.Anything, "nonce-1", mock.Anything, replay.OriginLocal).Return(held.hold(), nil)
	limiter := new(mockLimiter)
	limiter.On("Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(ratelimit.Result{Allowed: true, RemainingVisits: 1}, nil)
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Return(&fraud.RiskAnalysisResult{Recommendation: fraud.RecommendAllow}, nil)

	svc := NewService(nonces, limiter, scorer, nil)
	decision, err := svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.False(t, decision.Accepted)
	assert.Equal(t, OutcomeStorageError, decision.Outcome)
	assert.Equal(t, 1, held.committed)
	assert.Equal(t, 1, held.released)
}

func TestVerifyClaim_ReviewIsAccepted(t *testing.T) {
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Return(&fraud.RiskAnalysisResult{
		RiskScore:      0.65,
		Recommendation: fraud.RecommendReview,
	}, nil)
	f := newFixture(t, scorer)

	decision, err := f.svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
	assert.Equal(t, fraud.RecommendReview, decision.Risk.Recommendation)
}

func TestVerifyClaim_ReplayWithFailingAnalytics(t *testing.T) {
	nonces := new(mockNonces)
	nonces.On("Claim", mock.Anything, "nonce-1", mock.Anything, replay.OriginLocal).Return(nil, replay.ErrReplayed)
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Return(nil, errBackend)
	scorer.On("LogFraudEvent", mock.Anything, mock.MatchedBy(func(e fraud.FraudEvent) bool {
		return len(e.Patterns) == 1 && e.Patterns[0] == fraud.PatternReplayAttempt && e.RiskScore == 1.0
	})).Return(errBackend)
	limiter := new(mockLimiter)

	svc := NewService(nonces, limiter, scorer, nil)
	decision, err := svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, DenyReplay, decision.DenyReason)
	assert.Nil(t, decision.Risk)
	scorer.AssertExpectations(t)
	limiter.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

// ============== invalid input ==============

func TestVerifyClaim_InvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Claim)
	}{
		{"missing client", func(c *Claim) { c.ClientID = "" }},
		{"missing branch", func(c *Claim) { c.BranchID = "" }},
		{"missing device", func(c *Claim) { c.DeviceID = "" }},
		{"missing nonce", func(c *Claim) { c.NonceCode = ""; c.QRContent = "" }},
		{"unknown mode", func(c *Claim) { c.Mode = "satellite" }},
		{"latitude out of range", func(c *Claim) { c.Location.Latitude = 91 }},
		{"longitude out of range", func(c *Claim) { c.Location.Longitude = -181 }},
		{"negative accuracy", func(c *Claim) { c.Location.AccuracyMeters = -1 }},
		{"nan accuracy", func(c *Claim) { c.Location.AccuracyMeters = math.NaN() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			claim := newClaim("client-1", "branch-1", "device-1", "nonce-1")
			tt.mutate(&claim)

			decision, err := f.svc.VerifyClaim(context.Background(), claim)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, OutcomeInvalidInput, decision.Outcome)
			assert.False(t, decision.Accepted)

			counts, err := f.nonces.Counts(context.Background())
			require.NoError(t, err)
			assert.Zero(t, counts.Pending+counts.Synced)
		})
	}
}

func TestVerifyClaim_BackwardsTimestampReleases(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.NoError(t, err)

	late := newClaim("client-1", "branch-2", "device-1", "nonce-2")
	late.ServerTimestamp = t0.Add(-5 * time.Second)
	decision, err := f.svc.VerifyClaim(ctx, late)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.ErrorIs(t, err, fraud.ErrInvalidInput)
	assert.Equal(t, OutcomeInvalidInput, decision.Outcome)

	used, err := f.nonces.IsUsed(ctx, "nonce-2")
	require.NoError(t, err)
	assert.False(t, used)

	f.clk.Advance(time.Minute)
	decision, err = f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-2", "device-1", "nonce-2"))
	require.NoError(t, err)
	assert.True(t, decision.Accepted)
}

// ============== storage and system errors ==============

func TestVerifyClaim_ReplayStorageFailsClosed(t *testing.T) {
	nonces := new(mockNonces)
	nonces.On("Claim", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errBackend)
	limiter := new(mockLimiter)
	scorer := new(mockScorer)

	svc := NewService(nonces, limiter, scorer, nil)
	decision, err := svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, OutcomeStorageError, decision.Outcome)
	assert.False(t, decision.Accepted)
	limiter.AssertNotCalled(t, "Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	scorer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestVerifyClaim_LimiterStorageReleasesNonce(t *testing.T) {
	held := &countingHold{}
	nonces := new(mockNonces)
	nonces.On("Claim", mock.Anything, "nonce-1", mock.Anything, replay.OriginLocal).Return(held.hold(), nil)
	limiter := new(mockLimiter)
	limiter.On("Reserve", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(ratelimit.Result{Allowed: false, Rule: ratelimit.RuleStorage}, errBackend)
	scorer := new(mockScorer)

	svc := NewService(nonces, limiter, scorer, nil)
	decision, err := svc.VerifyClaim(context.Background(), newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, OutcomeStorageError, decision.Outcome)
	assert.Equal(t, 1, held.released)
	assert.Zero(t, held.committed)
	scorer.AssertNotCalled(t, "Analyze", mock.Anything, mock.Anything)
}

func TestVerifyClaim_ScorerStorageReleasesBoth(t *testing.T) {
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("fraud: samples: %w", errBackend))
	f := newFixture(t, scorer)
	ctx := context.Background()

	decision, err := f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	assert.ErrorIs(t, err, ErrStorage)
	assert.Equal(t, OutcomeStorageError, decision.Outcome)

	used, err := f.nonces.IsUsed(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, used)

	res, err := f.limiter.CheckLimit(ctx, "client-1", "branch-1", "device-1", "")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestVerifyClaim_PanicBecomesSystemError(t *testing.T) {
	scorer := new(mockScorer)
	scorer.On("Analyze", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		panic("division by zero")
	})
	f := newFixture(t, scorer)
	ctx := context.Background()

	var decision *ClaimDecision
	var err error
	require.NotPanics(t, func() {
		decision, err = f.svc.VerifyClaim(ctx, newClaim("client-1", "branch-1", "device-1", "nonce-1"))
	})
	assert.ErrorIs(t, err, ErrSystem)
	require.NotNil(t, decision)
	assert.Equal(t, OutcomeSystemError, decision.Outcome)
	assert.False(t, decision.Accepted)

	used, err := f.nonces.IsUsed(ctx, "nonce-1")
	require.NoError(t, err)
	assert.False(t, used, "reservations are released after a panic")
}

// ============== concurrency ==============

func TestVerifyClaim_ConcurrentClaimsPassHourlyCapOnce(t *testing.T) {
	f := newFixture(t, nil)
	const n = 20

	var wg sync.WaitGroup
	decisions := make([]*ClaimDecision, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.svc.VerifyClaim(context.Background(),
				newClaim("client-1", "branch-1", "device-1", fmt.Sprintf("nonce-%02d", i)))
			assert.NoError(t, err)
			decisions[i] = d
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, d := range decisions {
		require.NotNil(t, d)
		if d.Accepted {
			accepted++
		} else {
			assert.Equal(t, DenyRateLimit, d.DenyReason)
		}
	}
	assert.Equal(t, 1, accepted)

	counts, err := f.nonces.Counts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending, "only the accepted claim keeps its nonce")
}

func TestVerifyClaim_ConcurrentReplayConsumesOnce(t *testing.T) {
	f := newFixture(t, nil)
	const n = 10

	var wg sync.WaitGroup
	var mu sync.Mutex
	outcomes := map[DenyReason]int{}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.svc.VerifyClaim(context.Background(),
				newClaim(fmt.Sprintf("client-%d", i), "branch-1", fmt.Sprintf("device-%d", i), "shared-nonce"))
			assert.NoError(t, err)
			mu.Lock()
			outcomes[d.DenyReason]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, outcomes[DenyNone])
	assert.Equal(t, n-1, outcomes[DenyReplay])
}

// ============== diagnostics and sync ==============

func TestStats(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	online := newClaim("client-1", "branch-1", "device-1", "nonce-1")
	online.Mode = ModeOnline
	_, err := f.svc.VerifyClaim(ctx, online)
	require.NoError(t, err)
	_, err = f.svc.VerifyClaim(ctx, newClaim("client-2", "branch-1", "device-2", "nonce-2"))
	require.NoError(t, err)
	_, err = f.svc.VerifyClaim(ctx, newClaim("client-3", "branch-1", "device-3", "nonce-2"))
	require.NoError(t, err)

	stats, err := f.svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{PendingNonces: 1, SyncedNonces: 1, ActiveBlocks: 0, RecentFraudEvents: 1}, stats)
}

func TestStats_StorageError(t *testing.T) {
	nonces := new(mockNonces)
	nonces.On("Counts", mock.Anything).Return(replay.Counts{}, errBackend)

	svc := NewService(nonces, new(mockLimiter), new(mockScorer), nil)
	_, err := svc.Stats(context.Background())
	assert.ErrorIs(t, err, ErrStorage)
}

func TestPendingAndConfirmNonces(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := f.svc.VerifyClaim(ctx, newClaim(fmt.Sprintf("client-%d", i), "branch-1",
			fmt.Sprintf("device-%d", i), fmt.Sprintf("nonce-%d", i)))
		require.NoError(t, err)
		f.clk.Advance(time.Minute)
	}

	pending, err := f.svc.PendingNonces(ctx, 2)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "nonce-1", pending[0].Code)
	assert.Empty(t, pending[0].ClaimID)

	result, err := f.svc.ConfirmNonces(ctx, []string{"nonce-1", "nonce-2", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"nonce-1", "nonce-2"}, result.Migrated)
	assert.Equal(t, []string{"unknown"}, result.Missing)

	counts, err := f.nonces.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, replay.Counts{Pending: 1, Synced: 2}, counts)

	// confirmed nonces still block replays
	d, err := f.svc.VerifyClaim(ctx, newClaim("client-9", "branch-9", "device-9", "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, DenyReplay, d.DenyReason)
}

func TestPendingNonces_ClampsLimit(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, DefaultPendingLimit},
		{-3, DefaultPendingLimit},
		{50, 50},
		{5000, MaxPendingLimit},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.in), func(t *testing.T) {
			nonces := new(mockNonces)
			nonces.On("Pending", mock.Anything, tt.want).Return(nil, nil)

			svc := NewService(nonces, new(mockLimiter), new(mockScorer), nil)
			records, err := svc.PendingNonces(context.Background(), tt.in)
			require.NoError(t, err)
			assert.NotNil(t, records)
			nonces.AssertExpectations(t)
		})
	}
}

func TestConfirmNonces_Validation(t *testing.T) {
	svc := NewService(new(mockNonces), new(mockLimiter), new(mockScorer), nil)

	_, err := svc.ConfirmNonces(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ConfirmNonces(context.Background(), make([]string, MaxConfirmBatch+1))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ConfirmNonces(context.Background(), []string{""})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestConfirmNonces_StorageError(t *testing.T) {
	nonces := new(mockNonces)
	nonces.On("MigrateToSynced", mock.Anything, "nonce-1").Return(false, errBackend)

	svc := NewService(nonces, new(mockLimiter), new(mockScorer), nil)
	_, err := svc.ConfirmNonces(context.Background(), []string{"nonce-1"})
	assert.ErrorIs(t, err, ErrStorage)
}

func TestAdminOperations_Validation(t *testing.T) {
	limiter := new(mockLimiter)
	limiter.On("UnblockClient", mock.Anything, "client-1").Return(errBackend)
	limiter.On("GetBlock", mock.Anything, "client-1").Return(nil, errBackend)
	svc := NewService(new(mockNonces), limiter, new(mockScorer), nil)
	ctx := context.Background()

	assert.ErrorIs(t, svc.UnblockClient(ctx, ""), ErrInvalidInput)
	assert.ErrorIs(t, svc.UnblockClient(ctx, "client-1"), ErrStorage)

	_, err := svc.GetBlock(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = svc.GetBlock(ctx, "client-1")
	assert.ErrorIs(t, err, ErrStorage)
}
