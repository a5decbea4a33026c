package webhook

import (
	"testing"

	"github.com/relay-ai/relay/internal/errdefs"
)

func TestSignAndVerify(t *testing.T) {
	payload := []byte(`{"event":"deploy"}`)
	sig := Sign("s3cret", payload)
	if !Verify("s3cret", payload, sig) {
		t.Fatal("valid signature rejected")
	}
	if !Verify("s3cret", payload, "sha256="+sig) {
		t.Fatal("prefixed signature rejected")
	}
	if Verify("s3cret", payload, Sign("other", payload)) {
		t.Fatal("wrong-key signature accepted")
	}
	if Verify("s3cret", []byte(`{"event":"tampered"}`), sig) {
		t.Fatal("tampered payload accepted")
	}
}

func TestRenderFieldPaths(t *testing.T) {
	payload := map[string]any{
		"repo":   map[string]any{"name": "relay", "stars": float64(42)},
		"passed": true,
	}
	got := Render("Build for {repo.name} ({repo.stars}★) passed={passed}, missing={nope.x}", payload)
	want := "Build for relay (42★) passed=true, missing="
	if got != want {
		t.Fatalf("Render() = %q, want %q", got, want)
	}
}

func TestAcceptProducesEvent(t *testing.T) {
	src := NewSource(map[string]Mapping{
		"ci": {Secret: "s3cret", Template: "CI: {status}", ChatID: "42"},
	}, nil)

	payload := []byte(`{"status":"green"}`)
	if err := src.Accept("ci", payload, Sign("s3cret", payload)); err != nil {
		t.Fatalf("Accept() error = %v", err)
	}

	select {
	case ev := <-src.Events():
		if ev.Channel != "webhook" || ev.ChatID != "42" || ev.Text != "CI: green" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no event queued")
	}
}

func TestAcceptRejectsBadDeliveries(t *testing.T) {
	src := NewSource(map[string]Mapping{
		"ci": {Secret: "s3cret", Template: "CI: {status}", ChatID: "42"},
	}, nil)

	payload := []byte(`{"status":"green"}`)
	if err := src.Accept("nope", payload, ""); !errdefs.IsKind(err, errdefs.KindUserInputInvalid) {
		t.Fatalf("unknown source: err = %v", err)
	}
	if err := src.Accept("ci", payload, "bad-signature"); !errdefs.IsKind(err, errdefs.KindAdmissionDenied) {
		t.Fatalf("bad signature: err = %v", err)
	}
	if err := src.Accept("ci", []byte(`not json`), Sign("s3cret", []byte(`not json`))); !errdefs.IsKind(err, errdefs.KindUserInputInvalid) {
		t.Fatalf("bad payload: err = %v", err)
	}
}
