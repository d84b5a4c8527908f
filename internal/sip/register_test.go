package sip

import (
	"log/slog"
	"testing"
	"time"

	"github.com/havoice/havoice/internal/config"
)

func TestRegistrarStateLifecycle(t *testing.T) {
	r := NewRegistrar(&config.Config{}, nil, slog.New(slog.DiscardHandler))

	if got := r.Status().State; got != StateUnregistered {
		t.Fatalf("initial state = %q, want %q", got, StateUnregistered)
	}

	// The loop walks registering -> registered -> refreshing and back to
	// registered; failures land in failed, shutdown in unregistered.
	order := []RegistrationState{
		StateRegistering,
		StateRegistered,
		StateRefreshing,
		StateRegistered,
		StateFailed,
		StateUnregistered,
	}
	for _, want := range order {
		r.setState(want, "")
		if got := r.Status().State; got != want {
			t.Errorf("state = %q, want %q", got, want)
		}
	}
}

func TestParseContactExpires(t *testing.T) {
	tests := []struct {
		name    string
		contact string
		want    int
	}{
		{"with expires param", "<sip:100@192.168.1.10:5060>;expires=3600", 3600},
		{"expires then more params", "<sip:100@host>;expires=120;q=0.5", 120},
		{"uppercase param name", "<sip:100@host>;EXPIRES=90", 90},
		{"no expires param", "<sip:100@192.168.1.10:5060>", 0},
		{"malformed value", "<sip:100@host>;expires=abc", 0},
		{"empty value", "<sip:100@host>;expires=", 0},
		{"empty string", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseContactExpires(tt.contact); got != tt.want {
				t.Errorf("parseContactExpires(%q) = %d, want %d", tt.contact, got, tt.want)
			}
		})
	}
}

func TestParseExpiresHeader(t *testing.T) {
	tests := []struct {
		value string
		want  int
	}{
		{"300", 300},
		{" 60 ", 60},
		{"0", 0},
		{"abc", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := parseExpiresHeader(tt.value); got != tt.want {
			t.Errorf("parseExpiresHeader(%q) = %d, want %d", tt.value, got, tt.want)
		}
	}
}

func TestBackoffGrowth(t *testing.T) {
	b := newBackoff()

	// Expected delays before jitter: 5s, 10s, 20s, 40s, ...
	expected := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
	}

	for i, want := range expected {
		got := b.next()
		lo := time.Duration(float64(want) * 0.8)
		hi := time.Duration(float64(want) * 1.2)
		if got < lo || got > hi {
			t.Errorf("attempt %d: delay = %v, want within [%v, %v]", i, got, lo, hi)
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	b := newBackoff()
	b.attempt = 20

	got := b.current()
	hi := time.Duration(float64(5*time.Minute) * 1.2)
	if got > hi {
		t.Errorf("delay = %v, want at most %v", got, hi)
	}
	if got <= 0 {
		t.Errorf("delay = %v, want positive", got)
	}
}

func TestBackoffReset(t *testing.T) {
	b := newBackoff()
	b.next()
	b.next()
	b.reset()

	if b.attempt != 0 {
		t.Errorf("attempt after reset = %d, want 0", b.attempt)
	}

	got := b.current()
	lo := time.Duration(float64(5*time.Second) * 0.8)
	hi := time.Duration(float64(5*time.Second) * 1.2)
	if got < lo || got > hi {
		t.Errorf("delay after reset = %v, want within [%v, %v]", got, lo, hi)
	}
}
