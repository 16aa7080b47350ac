package main

import (
	"context"
	"testing"
)

type recordingTrip struct{ calls []string }

func (r *recordingTrip) VerifyCode(ctx context.Context, code string) error {
	r.calls = append(r.calls, "verify:"+code)
	return nil
}
func (r *recordingTrip) Cancel(ctx context.Context) error   { r.calls = append(r.calls, "cancel"); return nil }
func (r *recordingTrip) Complete(ctx context.Context) error { r.calls = append(r.calls, "complete"); return nil }
func (r *recordingTrip) Decline(ctx context.Context) error  { r.calls = append(r.calls, "decline"); return nil }

func TestParseAndApply(t *testing.T) {
	trip := &recordingTrip{}
	for _, line := range []string{"verify 4821", "  CANCEL ", "complete", "decline"} {
		c, err := parseCommand(line)
		if err != nil {
			t.Fatalf("%q: %v", line, err)
		}
		if err := c.apply(context.Background(), trip); err != nil {
			t.Fatal(err)
		}
	}
	want := []string{"verify:4821", "cancel", "complete", "decline"}
	if len(trip.calls) != len(want) {
		t.Fatalf("unexpected calls %v", trip.calls)
	}
	for i := range want {
		if trip.calls[i] != want[i] {
			t.Fatalf("call %d: got %s want %s", i, trip.calls[i], want[i])
		}
	}
}

func TestParseRejects(t *testing.T) {
	for _, line := range []string{"verify", "verify 1 2", "cancel now", "dance"} {
		if _, err := parseCommand(line); err == nil {
			t.Errorf("%q: expected error", line)
		}
	}
	if c, err := parseCommand("   "); err != nil || c.name != "" {
		t.Fatalf("blank line must be ignored, got %+v %v", c, err)
	}
}

func TestWalkFlagsUser(t *testing.T) {
	if _, err := (walkFlags{role: "student"}).user(); err == nil {
		t.Fatal("missing sid must fail")
	}
	if _, err := (walkFlags{sid: "x", role: "driver"}).user(); err == nil {
		t.Fatal("unknown role must fail")
	}
	u, err := walkFlags{sid: "w1", role: "safewalker", name: "Ana"}.user()
	if err != nil || u.IsStudent() || u.Name != "Ana" {
		t.Fatalf("unexpected user %+v %v", u, err)
	}
}
