package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/safewalk/internal/models"
)

// fakeUpdater implements RedisUpdater for tests
type fakeUpdater struct {
	failGeo  int // number of times to fail GeoAdd before succeeding
	failH    int // number of times to fail HSet before succeeding
	geoCalls int
	hCalls   int
	removed  []string
	lastMeta map[string]interface{}
}

func (f *fakeUpdater) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	return nil
}

func (f *fakeUpdater) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastMeta = values
	return nil
}

func (f *fakeUpdater) Remove(ctx context.Context, key, member string) error {
	f.removed = append(f.removed, member)
	return nil
}

var online = &models.PresenceEvent{SubjectID: "w1", Name: "Ana", Loc: models.Coord{Lat: 1, Lng: 2}, Online: true}

func TestApplyWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeUpdater{failGeo: 1, failH: 1}
	ctx := context.Background()
	start := time.Now()
	if err := applyWithRetry(ctx, f, "k", online, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastMeta["name"] != "Ana" || f.lastMeta["online"] != "true" {
		t.Fatalf("unexpected meta %v", f.lastMeta)
	}
}

func TestApplyWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeUpdater{failGeo: 5, failH: 0}
	ctx := context.Background()
	if err := applyWithRetry(ctx, f, "k", online, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestOfflineEventRemoves(t *testing.T) {
	f := &fakeUpdater{}
	ev := &models.PresenceEvent{SubjectID: "w1", Online: false}
	if err := applyWithRetry(context.Background(), f, "k", ev, 1, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	if len(f.removed) != 1 || f.geoCalls != 0 {
		t.Fatalf("offline event must remove, removed=%v geo=%d", f.removed, f.geoCalls)
	}
}

type scriptedReader struct {
	msgs   []kafka.Message
	cancel context.CancelFunc
}

func (s *scriptedReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if len(s.msgs) == 0 {
		s.cancel()
		return kafka.Message{}, ctx.Err()
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

func TestConsumeSkipsInvalidMessages(t *testing.T) {
	good, _ := json.Marshal(online)
	ctx, cancel := context.WithCancel(context.Background())
	r := &scriptedReader{cancel: cancel, msgs: []kafka.Message{
		{Value: []byte("not json")},
		{Value: []byte(`{"online":true}`)},
		{Key: []byte("w1"), Value: good},
	}}
	f := &fakeUpdater{}

	consume(ctx, r, f, "k", slog.Default())

	if f.geoCalls != 1 {
		t.Fatalf("only the valid event must reach redis, geo=%d", f.geoCalls)
	}
}
