package discord

import (
	"context"
	"strings"
	"testing"
)

type echoHandler struct{ reply string }

func (e echoHandler) HandleText(_ context.Context, text, prefix string) (string, bool) {
	if !strings.HasPrefix(text, prefix) {
		return "", false
	}
	if e.reply != "" {
		return e.reply, true
	}
	return "ok " + text, true
}

func TestReply(t *testing.T) {
	tests := []struct {
		name    string
		handler echoHandler
		input   string
		wantOK  bool
		wantLen int
	}{
		{name: "command", input: "!today", wantOK: true, wantLen: len("ok !today")},
		{name: "telegram prefix ignored", input: "/today", wantOK: false},
		{name: "long reply truncated", handler: echoHandler{reply: strings.Repeat("x", 2500)}, input: "!tasks", wantOK: true, wantLen: 2000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, ok := Reply(context.Background(), tt.handler, tt.input)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if len(reply) != tt.wantLen {
				t.Errorf("reply length = %d, want %d", len(reply), tt.wantLen)
			}
		})
	}
}
