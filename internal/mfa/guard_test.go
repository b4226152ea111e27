package mfa

import (
	"context"
	"errors"
	"testing"
	"time"

	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/kennel"
)

type stubStatuses struct {
	status   Status
	err      error
	verified map[string]time.Time
}

func (s *stubStatuses) MFAStatus(ctx context.Context, userID string) (Status, error) {
	return s.status, s.err
}

func (s *stubStatuses) MarkMFAVerified(ctx context.Context, userID string, at time.Time) error {
	if s.verified == nil {
		s.verified = make(map[string]time.Time)
	}
	s.verified[userID] = at
	return nil
}

func privilegedActor() authz.Context {
	return authz.NewContext(kennel.User{ID: "admin-1", Role: "ADMIN"})
}

func TestRequiresFreshMFA(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	cases := []struct {
		name       string
		verifiedAt *time.Time
		class      ActionClass
		stale      bool
	}{
		{"nil is always stale", nil, ClassRegular, true},
		{"high exactly at threshold", at(5 * time.Minute), ClassHigh, false},
		{"high one second over", at(5*time.Minute + time.Second), ClassHigh, true},
		{"high fresh", at(time.Minute), ClassHigh, false},
		{"regular exactly at threshold", at(720 * time.Minute), ClassRegular, false},
		{"regular one second over", at(720*time.Minute + time.Second), ClassRegular, true},
		{"regular fresh", at(time.Hour), ClassRegular, false},
	}
	for _, tc := range cases {
		if got := RequiresFreshMFA(tc.verifiedAt, tc.class, now); got != tc.stale {
			t.Fatalf("%s: RequiresFreshMFA = %v, want %v", tc.name, got, tc.stale)
		}
	}
}

func TestRequireCustomerExempt(t *testing.T) {
	statuses := &stubStatuses{err: errors.New("should not be called")}
	g, err := NewGuard(statuses, nil)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	customer := authz.NewContext(kennel.User{ID: "c1", Role: "CUSTOMER"})
	if check := g.Require(context.Background(), customer, ClassHigh); !check.Success {
		t.Fatalf("customer should be exempt: %+v", check)
	}
}

func TestRequireNotEnrolled(t *testing.T) {
	g, err := NewGuard(&stubStatuses{status: Status{}}, nil)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	check := g.Require(context.Background(), privilegedActor(), ClassRegular)
	if check.Success || check.Code != CodeNotEnrolled {
		t.Fatalf("want %s denial, got %+v", CodeNotEnrolled, check)
	}
}

func TestRequireStale(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	old := now.Add(-6 * time.Minute)
	statuses := &stubStatuses{status: Status{TOTPEnabled: true, VerifiedAt: &old}}
	g, err := NewGuard(statuses, nil, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}

	check := g.Require(context.Background(), privilegedActor(), ClassHigh)
	if check.Success || check.Code != CodeStale {
		t.Fatalf("want %s denial, got %+v", CodeStale, check)
	}
	// Same verification age passes the regular class.
	if check = g.Require(context.Background(), privilegedActor(), ClassRegular); !check.Success {
		t.Fatalf("regular class should pass: %+v", check)
	}
}

func TestRequireFailsClosed(t *testing.T) {
	g, err := NewGuard(&stubStatuses{err: errors.New("db down")}, nil)
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	check := g.Require(context.Background(), privilegedActor(), ClassRegular)
	if check.Success || check.Code != CodeCheckError {
		t.Fatalf("status error must deny with %s, got %+v", CodeCheckError, check)
	}
}

func TestChallengeRoundTrip(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verified := now.Add(-time.Minute)
	statuses := &stubStatuses{status: Status{TOTPEnabled: true, VerifiedAt: &verified}}
	g, err := NewGuard(statuses, NewMemoryChallengeStore(), WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	ctx := context.Background()

	challenge, err := g.BeginChallenge(ctx, "admin-1")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if challenge == "" {
		t.Fatal("empty challenge")
	}

	if err := g.CompleteChallenge(ctx, "admin-1", "wrong"); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("wrong answer err = %v", err)
	}
	if err := g.CompleteChallenge(ctx, "admin-1", challenge); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got := statuses.verified["admin-1"]; !got.Equal(now) {
		t.Fatalf("verification stamped at %v, want %v", got, now)
	}
	// A challenge is single use.
	if err := g.CompleteChallenge(ctx, "admin-1", challenge); !errors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("replayed challenge err = %v", err)
	}
}
