package completion

import (
	"bufio"
	"bytes"
	"testing"
)

func TestStreamSignalerWritesSentinel(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	s := NewStreamSignaler(Both, w)
	if err := s.Signal("abc"); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if buf.String() != "XXX_THE_END_OF_AN_ACTIVATION_XXX\n" {
		t.Fatalf("unexpected output %q", buf.String())
	}
}

func TestStreamSignalerSkipsWithoutLogChannel(t *testing.T) {
	var buf bytes.Buffer
	s := NewStreamSignaler(SyncResponse, &buf)
	if err := s.Signal("abc"); err != nil {
		t.Fatalf("signal: %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no sentinel, got %q", buf.String())
	}
}

func TestForTarget(t *testing.T) {
	cases := map[string]Channel{
		"cloudrun":   Both,
		"Kubernetes": Both,
		"local":      SyncResponse,
		"openwhisk":  LogSentinel,
	}
	for target, want := range cases {
		if got := ForTarget(target); got != want {
			t.Fatalf("%s: expected %s, got %s", target, want, got)
		}
	}
	if !Both.Has(LogSentinel) || SyncResponse.Has(LogSentinel) {
		t.Fatalf("unexpected Has semantics")
	}
}
