package redis

import (
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestKeys(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"book", bookKey("alpha", "BTC-USD"), "book:alpha:BTC-USD"},
		{"quote", quoteKey("BTC-USD"), "quote:BTC-USD"},
		{"opportunity", opportunityKey("abc"), "opportunity:abc"},
		{"opportunity index", opportunityIndexKey("BTC-USD"), "opportunities:BTC-USD"},
		{"execution", executionKey("e1"), "execution:e1"},
		{"lock", lockKey("arbcore:exec:BTC-USD"), "lock:arbcore:exec:BTC-USD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, tt.got)
			}
		})
	}
}

func TestToMessages(t *testing.T) {
	msgs := toMessages([]redis.XMessage{
		{ID: "1-0", Values: map[string]any{payloadField: "one"}},
		{ID: "2-0", Values: map[string]any{"other": "x"}},
		{ID: "3-0", Values: map[string]any{payloadField: []byte("two")}},
	})
	if len(msgs) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(msgs))
	}
	if string(msgs[0].Payload) != "one" || msgs[0].ID != "1-0" {
		t.Errorf("Expected 1-0/one, got %s/%s", msgs[0].ID, msgs[0].Payload)
	}
	if string(msgs[1].Payload) != "two" {
		t.Errorf("Expected two, got %s", msgs[1].Payload)
	}
}
