package secrets

import (
	"context"
	"testing"
)

func TestIsRef(t *testing.T) {
	cases := map[string]bool{
		"vault:secret/data/corebus#mongo_uri": true,
		"mongodb://localhost:27017":           false,
		"":                                    false,
	}
	for in, want := range cases {
		if got := IsRef(in); got != want {
			t.Errorf("IsRef(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestClient_ResolvePassesThroughLiterals(t *testing.T) {
	c, err := NewClient(Config{Addr: "http://127.0.0.1:8200"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	got, err := c.Resolve(context.TODO(), "mongodb://localhost:27017")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "mongodb://localhost:27017" {
		t.Errorf("Resolve literal = %q, want unchanged", got)
	}
}

func TestClient_ResolveRejectsMalformedRef(t *testing.T) {
	c, err := NewClient(Config{Addr: "http://127.0.0.1:8200"})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := c.Resolve(context.TODO(), "vault:missing-fragment"); err == nil {
		t.Error("expected error for a vault: reference without #key")
	}
}
