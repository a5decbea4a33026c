package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/errdefs"
)

func TestClassifyRateLimitWithHint(t *testing.T) {
	err := classifySendError(errors.New("telegram: Too Many Requests: retry after 7"))
	if !errdefs.IsKind(err, errdefs.KindRateLimited) {
		t.Fatalf("kind = %v, want rate_limited", errdefs.KindOf(err))
	}
	if hint := errdefs.RetryAfterHint(err); hint != 7*time.Second {
		t.Fatalf("retry hint = %v, want 7s", hint)
	}
}

func TestClassifyRateLimitWithoutHint(t *testing.T) {
	err := classifySendError(errors.New("unexpected status 429"))
	if !errdefs.IsKind(err, errdefs.KindRateLimited) {
		t.Fatalf("kind = %v, want rate_limited", errdefs.KindOf(err))
	}
	if hint := errdefs.RetryAfterHint(err); hint != 0 {
		t.Fatalf("retry hint = %v, want 0", hint)
	}
}

func TestClassifyOtherErrorsAsUpstream(t *testing.T) {
	err := classifySendError(errors.New("connection reset"))
	if !errdefs.IsKind(err, errdefs.KindUpstreamUnavailable) {
		t.Fatalf("kind = %v, want upstream_unavailable", errdefs.KindOf(err))
	}
}

func TestParseErrorDetection(t *testing.T) {
	if !isParseError(errors.New("Bad Request: can't parse entities: unexpected <")) {
		t.Fatal("parse error not detected")
	}
	if isParseError(errors.New("Bad Request: chat not found")) {
		t.Fatal("false positive parse error")
	}
}

func TestVoiceForbiddenDetection(t *testing.T) {
	if !isVoiceForbidden(errors.New("Bad Request: VOICE_MESSAGES_FORBIDDEN")) {
		t.Fatal("voice forbidden not detected")
	}
	if isVoiceForbidden(errors.New("Bad Request: chat not found")) {
		t.Fatal("false positive voice forbidden")
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Token: "t"}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}
	if cfg.MaxLength != MaxMessageLength || cfg.RateLimit <= 0 || cfg.RateBurst <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}

	bad := Config{}
	if err := bad.validate(); err == nil {
		t.Fatal("missing token accepted")
	}
}
