package httpapi

import (
	"testing"
	"time"
)

func TestConfigValidateAppliesDefaults(test *testing.T) {
	test.Parallel()
	cfg := Config{SessionSigningKey: "key"}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != defaultListenAddr {
		test.Fatalf("expected default listen addr, got %q", cfg.ListenAddr)
	}
	if cfg.RequestTimeout != defaultRequestTimeout {
		test.Fatalf("expected default timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.AdminRole != defaultAdminRole {
		test.Fatalf("expected default admin role, got %q", cfg.AdminRole)
	}
	if cfg.ClassCacheTTL != defaultClassCacheTTL {
		test.Fatalf("expected default cache ttl, got %v", cfg.ClassCacheTTL)
	}
	if len(cfg.AllowedOrigins) != 1 {
		test.Fatalf("expected default origin, got %v", cfg.AllowedOrigins)
	}
}

func TestConfigValidateRequiresSigningKey(test *testing.T) {
	test.Parallel()
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		test.Fatalf("expected error without signing key")
	}
}

func TestConfigValidateKeepsExplicitValues(test *testing.T) {
	test.Parallel()
	cfg := Config{
		SessionSigningKey: "key",
		ListenAddr:        ":8099",
		RequestTimeout:    10 * time.Second,
		AdminRole:         "owner",
	}
	if err := cfg.Validate(); err != nil {
		test.Fatalf("validate: %v", err)
	}
	if cfg.ListenAddr != ":8099" || cfg.RequestTimeout != 10*time.Second || cfg.AdminRole != "owner" {
		test.Fatalf("explicit values overwritten: %+v", cfg)
	}
}

func TestParseAllowedOrigins(test *testing.T) {
	test.Parallel()
	origins := ParseAllowedOrigins(" https://a.example , https://b.example ,, ")
	if len(origins) != 2 {
		test.Fatalf("expected 2 origins, got %v", origins)
	}
	if origins[0] != "https://a.example" || origins[1] != "https://b.example" {
		test.Fatalf("unexpected origins %v", origins)
	}
	if got := ParseAllowedOrigins("   "); len(got) != 0 {
		test.Fatalf("expected no origins, got %v", got)
	}
}

func TestIdentityHasRole(test *testing.T) {
	test.Parallel()
	identity := Identity{MemberID: "member-1", Roles: []string{"member", "admin"}}
	if !identity.HasRole("admin") {
		test.Fatalf("expected admin role")
	}
	if identity.HasRole("owner") {
		test.Fatalf("unexpected owner role")
	}
}
