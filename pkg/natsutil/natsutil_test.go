package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

type payload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestNatsHeaderCarrier(t *testing.T) {
	msg := &nats.Msg{}
	carrier := (*natsHeaderCarrier)(msg)
	if carrier.Get("missing") != "" || carrier.Keys() != nil {
		t.Fatal("empty carrier should have no values")
	}
	carrier.Set("traceparent", "00-abc-def-01")
	if got := carrier.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("got %q", got)
	}
	if keys := carrier.Keys(); len(keys) != 1 {
		t.Fatalf("keys = %v", keys)
	}
}

func TestPublishSubscribe(t *testing.T) {
	nc := startTestNATS(t)
	ch := make(chan payload, 1)
	sub, err := Subscribe(nc, "test.pub", func(_ context.Context, p payload) { ch <- p })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	nc.Publish("test.pub", []byte("not json"))
	if err := Publish(context.Background(), nc, "test.pub", payload{Name: "hello", Value: 1}); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-ch:
		if p.Name != "hello" || p.Value != 1 {
			t.Fatalf("unexpected payload: %+v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

type reply struct {
	Sum   int    `json:"sum,omitempty"`
	Error string `json:"error,omitempty"`
}

func TestHandleAndRequest(t *testing.T) {
	nc := startTestNATS(t)
	sub, err := Handle(nc, "test.sum", "workers",
		func(_ context.Context, p payload) (reply, error) {
			if p.Value < 0 {
				return reply{}, errors.New("negative")
			}
			return reply{Sum: p.Value + len(p.Name)}, nil
		},
		func(err error) reply { return reply{Error: err.Error()} },
	)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got, err := Request[payload, reply](ctx, nc, "test.sum", payload{Name: "abc", Value: 2})
	if err != nil || got.Sum != 5 {
		t.Fatalf("got %+v, %v", got, err)
	}
	got, err = Request[payload, reply](ctx, nc, "test.sum", payload{Value: -1})
	if err != nil || got.Error != "negative" {
		t.Fatalf("got %+v, %v", got, err)
	}

	raw, err := nc.Request("test.sum", []byte("{"), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	var bad reply
	json.Unmarshal(raw.Data, &bad)
	if bad.Error != ErrBadRequest.Error() {
		t.Fatalf("malformed request reply = %+v", bad)
	}
}

func TestRequest_NoResponders(t *testing.T) {
	nc := startTestNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := Request[payload, reply](ctx, nc, "nobody.home", payload{}); err == nil {
		t.Fatal("expected error")
	}
}
