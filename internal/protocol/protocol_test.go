package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestPayloadAccessors(t *testing.T) {
	p := Payload{
		KeyExecutorID:   "exec-1",
		KeyJobID:        "A000",
		KeyCallID:       7,
		KeyServiceRoute: "preinstalls",
	}
	if p.ExecutorID() != "exec-1" || p.JobID() != "A000" {
		t.Fatalf("unexpected ids %q %q", p.ExecutorID(), p.JobID())
	}
	if p.CallID() != "7" {
		t.Fatalf("expected numeric call id to be stringified, got %q", p.CallID())
	}
	if p.Route() != RoutePreinstalls {
		t.Fatalf("expected route %q, got %q", RoutePreinstalls, p.Route())
	}
	if p.RemoteInvoker() {
		t.Fatalf("payload should not be in invoker mode")
	}
	if (Payload{}).Route() != RouteRun {
		t.Fatalf("expected default route")
	}
}

func TestDecodeMetadata(t *testing.T) {
	var body map[string]any
	raw := `{"preinstalls":[["json",false],["lithops",true]],"python_ver":"3.11"}`
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	meta, ok, err := DecodeMetadata(body)
	if err != nil || !ok {
		t.Fatalf("decode metadata: ok=%v err=%v", ok, err)
	}
	if len(meta.Preinstalls) != 2 || meta.Preinstalls[1] != (Module{Name: "lithops", IsPackage: true}) {
		t.Fatalf("unexpected preinstalls %+v", meta.Preinstalls)
	}
	if meta.LanguageVersion != "3.11" {
		t.Fatalf("unexpected version %q", meta.LanguageVersion)
	}

	out, err := json.Marshal(meta)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != raw {
		t.Fatalf("unexpected wire form %s", out)
	}
}

func TestDecodeMetadataMissingList(t *testing.T) {
	_, ok, err := DecodeMetadata(map[string]any{"python_ver": "3.11"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected missing preinstalls to be reported")
	}
}

func TestLanguageVersion(t *testing.T) {
	v := LanguageVersion()
	if !strings.HasPrefix(v, "1.") || strings.Count(v, ".") != 1 {
		t.Fatalf("unexpected language version %q", v)
	}
}
