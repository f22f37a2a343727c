package capability_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/anaya-ai/watchtower"
	"github.com/anaya-ai/watchtower/capability"
)

func TestRegistry_InvokeUnknown(t *testing.T) {
	r := capability.NewRegistry()

	_, err := r.Invoke(context.Background(), "nope", nil)
	if !errors.Is(err, watchtower.ErrUnknownCapability) {
		t.Fatalf("err = %v, want ErrUnknownCapability", err)
	}
}

func TestRegistry_InvokeReturnsResult(t *testing.T) {
	r := capability.NewRegistry()
	r.Register(capability.Spec{Name: "echo"}, func(_ context.Context, args json.RawMessage) (json.RawMessage, error) {
		return args, nil
	})

	out, err := r.Invoke(context.Background(), "echo", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `{"k":"v"}` {
		t.Errorf("out = %s, want {\"k\":\"v\"}", out)
	}
}

func TestRegistry_InvokePropagatesHandlerError(t *testing.T) {
	r := capability.NewRegistry()
	boom := errors.New("collaborator exploded")
	r.Register(capability.Spec{Name: "boom"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})

	_, err := r.Invoke(context.Background(), "boom", nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped handler error", err)
	}
}

func TestRegistry_InvokeTimesOut(t *testing.T) {
	r := capability.NewRegistry()
	r.Register(capability.Spec{Name: "slow", MaxLatency: 20 * time.Millisecond}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		select {
		case <-time.After(5 * time.Second):
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	start := time.Now()
	_, err := r.Invoke(context.Background(), "slow", nil)
	if !errors.Is(err, watchtower.ErrCapabilityTimeout) {
		t.Fatalf("err = %v, want ErrCapabilityTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Invoke blocked %v, want ~20ms", elapsed)
	}
}

func TestRegistry_InvokeCallerCancel(t *testing.T) {
	r := capability.NewRegistry()
	r.Register(capability.Spec{Name: "wait"}, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := r.Invoke(ctx, "wait", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRegistry_RegisterReplaces(t *testing.T) {
	r := capability.NewRegistry()
	r.Register(capability.Spec{Name: "cap"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"old"`), nil
	})
	r.Register(capability.Spec{Name: "cap"}, func(context.Context, json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"new"`), nil
	})

	out, err := r.Invoke(context.Background(), "cap", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `"new"` {
		t.Errorf("out = %s, want \"new\"", out)
	}
}

func TestIdempotencyKey(t *testing.T) {
	key := capability.IdempotencyKey("run_abc", "compare")
	if key != "run_abc:compare" {
		t.Errorf("key = %q", key)
	}

	ctx := capability.WithIdempotencyKey(context.Background(), key)
	got, ok := capability.IdempotencyKeyFrom(ctx)
	if !ok || got != key {
		t.Errorf("IdempotencyKeyFrom = %q, %v", got, ok)
	}

	_, ok = capability.IdempotencyKeyFrom(context.Background())
	if ok {
		t.Error("expected no key on bare context")
	}
}

func TestScorer(t *testing.T) {
	h := capability.Scorer()

	tests := []struct {
		name string
		args string
		want float64
	}{
		{"no diffs", `{"diffs":[]}`, 100},
		{"one critical", `{"diffs":[{"severity":"critical"}]}`, 80},
		{"mixed", `{"diffs":[{"severity":"critical"},{"severity":"high"},{"severity":"info"}]}`, 67},
		{"unknown severity treated as medium", `{"diffs":[{"severity":"weird"}]}`, 92},
		{"clamped at zero", `{"diffs":[{"severity":"critical"},{"severity":"critical"},{"severity":"critical"},{"severity":"critical"},{"severity":"critical"},{"severity":"critical"}]}`, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := h(context.Background(), json.RawMessage(tt.args))
			if err != nil {
				t.Fatalf("scorer: %v", err)
			}
			var res capability.ScoreResult
			if err := json.Unmarshal(out, &res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.Score != tt.want {
				t.Errorf("score = %v, want %v", res.Score, tt.want)
			}
		})
	}
}
