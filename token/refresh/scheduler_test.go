package refresh_test

import (
	"context"
	"errors"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/jrsteele09/go-auth-session/authmodel"
	"github.com/jrsteele09/go-auth-session/internal/clock/fakeclock"
	"github.com/jrsteele09/go-auth-session/internal/utils"
	"github.com/jrsteele09/go-auth-session/sessions"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/stretchr/testify/require"
)

var t0 = time.Unix(1_750_000_000, 0).UTC()

func accessToken(t *testing.T, exp time.Time) string {
	t.Helper()
	raw, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("test"))
	require.NoError(t, err)
	return raw
}

type mockOwner struct {
	session    *sessions.Session
	applied    []string
	expired    []error
	applyFunc  func(initiating string, resp *authmodel.TokenResponse) bool
	expireFunc func(initiating string, cause error)
}

func (m *mockOwner) Current() *sessions.Session {
	return m.session.Clone()
}

func (m *mockOwner) ApplyRefresh(initiating string, resp *authmodel.TokenResponse) bool {
	if m.applyFunc != nil {
		return m.applyFunc(initiating, resp)
	}
	if m.session == nil || m.session.AccessToken != initiating {
		return false
	}
	m.applied = append(m.applied, resp.Token)
	m.session.AccessToken = resp.Token
	m.session.RefreshToken = utils.ValueOr(resp.RefreshToken, m.session.RefreshToken)
	return true
}

func (m *mockOwner) Expire(initiating string, cause error) {
	if m.expireFunc != nil {
		m.expireFunc(initiating, cause)
		return
	}
	m.expired = append(m.expired, cause)
	m.session = nil
}

type mockRefresher struct {
	calls       []string
	refreshFunc func(ctx context.Context, refreshToken string) (*authmodel.TokenResponse, error)
}

func (m *mockRefresher) RefreshToken(ctx context.Context, refreshToken string) (*authmodel.TokenResponse, error) {
	m.calls = append(m.calls, refreshToken)
	return m.refreshFunc(ctx, refreshToken)
}

type fixture struct {
	clock     *fakeclock.FakeClock
	owner     *mockOwner
	refresher *mockRefresher
	scheduler *refresh.Scheduler
}

func newFixture(t *testing.T, expiresIn time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		clock: fakeclock.New(t0),
		owner: &mockOwner{session: &sessions.Session{
			AccessToken:  accessToken(t, t0.Add(expiresIn)),
			RefreshToken: "refresh-1",
			ExpiresAt:    t0.Add(expiresIn),
		}},
	}
	f.refresher = &mockRefresher{refreshFunc: func(_ context.Context, _ string) (*authmodel.TokenResponse, error) {
		return &authmodel.TokenResponse{
			Token:     accessToken(t, f.clock.Now().Add(400*time.Second)),
			ExpiresIn: 400,
		}, nil
	}}
	f.scheduler = refresh.NewScheduler(f.owner, f.refresher, refresh.WithClock(f.clock))
	return f
}

func TestPolicy_Delay(t *testing.T) {
	p := refresh.DefaultPolicy()

	require.Equal(t, 320*time.Second, p.Delay(400*time.Second))
	require.Equal(t, 60*time.Second, p.Delay(50*time.Second))
	require.Equal(t, 60*time.Second, p.Delay(0))
	require.Equal(t, 2880*time.Second, p.Delay(time.Hour))
}

func TestScheduler_ScheduleFromArmsOneTimer(t *testing.T) {
	f := newFixture(t, 400*time.Second)

	require.Equal(t, 320*time.Second, f.scheduler.ScheduleFrom(400*time.Second))
	require.Equal(t, 60*time.Second, f.scheduler.ScheduleFrom(50*time.Second))

	require.True(t, f.scheduler.Pending())
	require.Equal(t, []time.Duration{60 * time.Second}, f.clock.Delays())
}

func TestScheduler_SuccessfulRefreshReschedules(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	initial := f.owner.session.AccessToken
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(319 * time.Second)
	require.Empty(t, f.refresher.calls)

	f.clock.Advance(time.Second)
	require.Equal(t, []string{"refresh-1"}, f.refresher.calls)
	require.Len(t, f.owner.applied, 1)
	require.NotEqual(t, initial, f.owner.session.AccessToken)
	require.Equal(t, "refresh-1", f.owner.session.RefreshToken)
	require.Equal(t, []time.Duration{320 * time.Second}, f.clock.Delays())

	f.clock.Advance(320 * time.Second)
	require.Len(t, f.refresher.calls, 2)
	require.Equal(t, 1, f.clock.Pending())
}

func TestScheduler_FailedRefreshExpiresWithoutRetry(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	backendErr := errors.New("refresh rejected")
	f.refresher.refreshFunc = func(context.Context, string) (*authmodel.TokenResponse, error) {
		return nil, backendErr
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Len(t, f.owner.expired, 1)
	var refreshErr *refresh.RefreshError
	require.ErrorAs(t, f.owner.expired[0], &refreshErr)
	require.ErrorIs(t, f.owner.expired[0], backendErr)
	require.False(t, f.scheduler.Pending())
	require.Zero(t, f.clock.Pending())
}

func TestScheduler_EmptyResponseIsAFailure(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.refresher.refreshFunc = func(context.Context, string) (*authmodel.TokenResponse, error) {
		return &authmodel.TokenResponse{}, nil
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Len(t, f.owner.expired, 1)
	require.Empty(t, f.owner.applied)
}

func TestScheduler_ExpiredAtFireSkipsBackend(t *testing.T) {
	// Token already dead when the timer runs, as after a suspend.
	f := newFixture(t, 100*time.Second)
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Empty(t, f.refresher.calls)
	require.Len(t, f.owner.expired, 1)
	require.False(t, f.scheduler.Pending())
}

func TestScheduler_NoRefreshTokenExpires(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.owner.session.RefreshToken = ""
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Empty(t, f.refresher.calls)
	require.ErrorIs(t, f.owner.expired[0], refresh.ErrNoRefreshToken)
}

func TestScheduler_NoSessionDoesNothing(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.owner.session = nil
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Empty(t, f.refresher.calls)
	require.Empty(t, f.owner.expired)
}

func TestScheduler_CancelPreventsFiring(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.scheduler.Cancel()
	f.scheduler.Cancel()
	f.clock.Advance(time.Hour)

	require.False(t, f.scheduler.Pending())
	require.Empty(t, f.refresher.calls)
}

func TestScheduler_CancelDuringRefreshStopsRearm(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	inner := f.refresher.refreshFunc
	f.refresher.refreshFunc = func(ctx context.Context, rt string) (*authmodel.TokenResponse, error) {
		f.scheduler.Cancel()
		return inner(ctx, rt)
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Len(t, f.owner.applied, 1)
	require.False(t, f.scheduler.Pending())
	require.Zero(t, f.clock.Pending())
}

func (f *fixture) replaceSession(t *testing.T, expiresIn time.Duration) {
	t.Helper()
	expiresAt := f.clock.Now().Add(expiresIn)
	f.owner.session = &sessions.Session{
		AccessToken:  accessToken(t, expiresAt),
		RefreshToken: "refresh-other",
		ExpiresAt:    expiresAt,
	}
}

func TestScheduler_ReplacedSessionIsRearmedFromItsExpiry(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	inner := f.refresher.refreshFunc
	f.refresher.refreshFunc = func(ctx context.Context, rt string) (*authmodel.TokenResponse, error) {
		// Another context signs in while the call is in flight.
		f.replaceSession(t, 1000*time.Second)
		return inner(ctx, rt)
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Len(t, f.refresher.calls, 1)
	require.Empty(t, f.owner.applied)
	require.True(t, f.scheduler.Pending())
	require.Equal(t, []time.Duration{800 * time.Second}, f.clock.Delays())

	f.refresher.refreshFunc = inner
	f.clock.Advance(800 * time.Second)
	require.Equal(t, []string{"refresh-1", "refresh-other"}, f.refresher.calls)
	require.Len(t, f.owner.applied, 1)
}

func TestScheduler_EndedSessionIsNotRearmed(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	inner := f.refresher.refreshFunc
	f.refresher.refreshFunc = func(ctx context.Context, rt string) (*authmodel.TokenResponse, error) {
		f.owner.session = nil
		return inner(ctx, rt)
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Len(t, f.refresher.calls, 1)
	require.False(t, f.scheduler.Pending())
	require.Zero(t, f.clock.Pending())
}

func TestScheduler_FailureForReplacedSessionRearms(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.owner.expireFunc = func(initiating string, cause error) {
		if f.owner.session == nil || f.owner.session.AccessToken != initiating {
			return
		}
		f.owner.expired = append(f.owner.expired, cause)
		f.owner.session = nil
	}
	f.refresher.refreshFunc = func(context.Context, string) (*authmodel.TokenResponse, error) {
		f.replaceSession(t, 1000*time.Second)
		return nil, errors.New("refresh token already rotated")
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Empty(t, f.owner.expired)
	require.NotNil(t, f.owner.session)
	require.Equal(t, []time.Duration{800 * time.Second}, f.clock.Delays())
}

func TestScheduler_CancelDuringDiscardedRefreshStaysDisarmed(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	inner := f.refresher.refreshFunc
	f.refresher.refreshFunc = func(ctx context.Context, rt string) (*authmodel.TokenResponse, error) {
		f.replaceSession(t, 1000*time.Second)
		f.scheduler.Cancel()
		return inner(ctx, rt)
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.False(t, f.scheduler.Pending())
	require.Zero(t, f.clock.Pending())
}

func TestScheduler_RearmFallsBackToTokenExpiry(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.refresher.refreshFunc = func(context.Context, string) (*authmodel.TokenResponse, error) {
		return &authmodel.TokenResponse{Token: accessToken(t, f.clock.Now().Add(400*time.Second))}, nil
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)

	require.Len(t, f.owner.applied, 1)
	require.Equal(t, []time.Duration{320 * time.Second}, f.clock.Delays())
}

func TestScheduler_RefreshCallHasDeadline(t *testing.T) {
	f := newFixture(t, 400*time.Second)
	f.scheduler = refresh.NewScheduler(f.owner, f.refresher,
		refresh.WithClock(f.clock), refresh.WithTimeout(5*time.Second))
	var hadDeadline bool
	inner := f.refresher.refreshFunc
	f.refresher.refreshFunc = func(ctx context.Context, rt string) (*authmodel.TokenResponse, error) {
		_, hadDeadline = ctx.Deadline()
		return inner(ctx, rt)
	}
	f.scheduler.ScheduleFrom(400 * time.Second)

	f.clock.Advance(320 * time.Second)
	require.True(t, hadDeadline)
}
