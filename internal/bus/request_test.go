package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestRequesterResponderRoundTrip(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	_, err := NewResponder(ctx, b, "request.reconcile.snapshot.*", ReconcileSnapshotReplyKey, func(ctx context.Context, requestKey string, payload json.RawMessage) (any, error) {
		var req struct {
			Exchange string `json:"exchange"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		return map[string]string{"exchange": req.Exchange, "status": "ok"}, nil
	})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	requester, err := NewRequester(ctx, b, ReconcileSnapshotReplyKey("*"))
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}

	var reply struct {
		Exchange string `json:"exchange"`
		Status   string `json:"status"`
	}
	err = requester.Call(ctx, ReconcileSnapshotRequestKey("binance"), map[string]string{"exchange": "binance"}, &reply, time.Second)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if reply.Exchange != "binance" || reply.Status != "ok" {
		t.Errorf("unexpected reply: %+v", reply)
	}
}

func TestRequesterTimesOutWithoutResponder(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBus()

	requester, err := NewRequester(ctx, b, ReconcileSnapshotReplyKey("*"))
	if err != nil {
		t.Fatalf("NewRequester: %v", err)
	}

	err = requester.Call(ctx, ReconcileSnapshotRequestKey("binance"), map[string]string{}, nil, 20*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
}
