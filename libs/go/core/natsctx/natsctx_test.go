package natsctx

import (
	"context"
	"encoding/json"
	"testing"

	nats "github.com/nats-io/nats.go"
)

type captureConn struct{ msgs []*nats.Msg }

func (c *captureConn) PublishMsg(m *nats.Msg) error {
	c.msgs = append(c.msgs, m)
	return nil
}

func TestPublishJSON(t *testing.T) {
	conn := &captureConn{}
	if err := PublishJSON(context.Background(), conn, "carver.session", map[string]int{"files": 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(conn.msgs) != 1 || conn.msgs[0].Subject != "carver.session" {
		t.Fatalf("unexpected messages: %#v", conn.msgs)
	}
	var got map[string]int
	if err := json.Unmarshal(conn.msgs[0].Data, &got); err != nil || got["files"] != 2 {
		t.Fatalf("payload %s err=%v", conn.msgs[0].Data, err)
	}
	if conn.msgs[0].Header.Get("Content-Type") != "application/json" {
		t.Fatalf("missing content type header")
	}
}
