package main

import (
	"errors"
	"testing"

	"github.com/relay-ai/relay/internal/config"
)

func TestBuildLLMPicksConfiguredProvider(t *testing.T) {
	snap := config.Default()
	snap.Providers = map[string]config.ProviderConfig{
		"zeta":   {APIKey: ""},
		"openai": {APIKey: "sk-test"},
	}
	llm, err := buildLLM(snap)
	if err != nil {
		t.Fatalf("buildLLM() error = %v", err)
	}
	if llm.Name() != "openai" {
		t.Fatalf("provider = %q", llm.Name())
	}
}

func TestBuildLLMRequiresProvider(t *testing.T) {
	snap := config.Default()
	_, err := buildLLM(snap)
	var coded *exitError
	if !errors.As(err, &coded) || coded.code != exitConfigError {
		t.Fatalf("err = %v, want config error", err)
	}
}

func TestRootCommandTree(t *testing.T) {
	root := buildRootCmd()
	want := map[string]bool{"serve": false, "version": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("missing %s command", name)
		}
	}
}
