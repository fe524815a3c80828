package entitlement

import (
	"testing"
	"time"
)

func TestEntitled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name             string
		status           Status
		trialUntil       *time.Time
		currentPeriodEnd *time.Time
		want             bool
	}{
		{name: "lifetime always entitled", status: StatusLifetime, want: true},
		{name: "lifetime ignores stale period end", status: StatusLifetime, currentPeriodEnd: &past, want: true},
		{name: "active entitled", status: StatusActive, want: true},
		{name: "active trusted despite stale period end", status: StatusActive, currentPeriodEnd: &past, want: true},
		{name: "trial running", status: StatusTrial, trialUntil: &future, want: true},
		{name: "trial expired", status: StatusTrial, trialUntil: &past, want: false},
		{name: "trial without deadline", status: StatusTrial, want: false},
		{name: "canceled within paid period", status: StatusCanceled, currentPeriodEnd: &future, want: true},
		{name: "canceled past paid period", status: StatusCanceled, currentPeriodEnd: &past, want: false},
		{name: "canceled without period end", status: StatusCanceled, want: false},
		{name: "unknown status", status: Status("mystery"), trialUntil: &future, currentPeriodEnd: &future, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Entitled(tt.status, tt.trialUntil, tt.currentPeriodEnd, now)
			if got != tt.want {
				t.Errorf("Entitled(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestEntitledTrialExpiryIsReadSide(t *testing.T) {
	// The status stays "trial" after the deadline; only the evaluation flips.
	deadline := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	before := deadline.Add(-time.Minute)
	after := deadline.Add(time.Minute)

	if !Entitled(StatusTrial, &deadline, nil, before) {
		t.Error("trial should be entitled before the deadline")
	}
	if Entitled(StatusTrial, &deadline, nil, after) {
		t.Error("trial should not be entitled after the deadline")
	}
}

func TestFromProviderStatus(t *testing.T) {
	tests := []struct {
		provider string
		want     Status
	}{
		{"active", StatusActive},
		{"trialing", StatusActive},
		{"past_due", StatusActive},
		{"canceled", StatusCanceled},
		{"unpaid", StatusCanceled},
		{"incomplete", StatusCanceled},
		{"incomplete_expired", StatusCanceled},
		{"paused", StatusCanceled},
		{"", StatusCanceled},
		{"some_future_status", StatusCanceled},
		{"  Active  ", StatusActive},
	}
	for _, tt := range tests {
		if got := FromProviderStatus(tt.provider); got != tt.want {
			t.Errorf("FromProviderStatus(%q) = %s, want %s", tt.provider, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	for _, valid := range []string{"trial", "active", "canceled", "lifetime", " Trial "} {
		if _, err := ParseStatus(valid); err != nil {
			t.Errorf("ParseStatus(%q) unexpected error: %v", valid, err)
		}
	}
	for _, invalid := range []string{"", "expired", "past_due", "trialing"} {
		if _, err := ParseStatus(invalid); err == nil {
			t.Errorf("ParseStatus(%q) expected error", invalid)
		}
	}
}

func TestCanAutoTransition(t *testing.T) {
	if CanAutoTransition(StatusLifetime) {
		t.Error("lifetime must not be auto-transitionable")
	}
	for _, s := range []Status{StatusTrial, StatusActive, StatusCanceled} {
		if !CanAutoTransition(s) {
			t.Errorf("%s should be auto-transitionable", s)
		}
	}
}
