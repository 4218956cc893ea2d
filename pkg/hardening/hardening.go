// Package hardening refuses to start a production-like deployment with
// insecure transport, loose CORS, or missing service secrets.
package hardening

import (
	"fmt"
	"strings"
)

// EnvRequirement names a secret the service cannot run without in
// production.
type EnvRequirement struct {
	Name  string
	Value string
}

type Options struct {
	Service                string
	Environment            string
	StrictProdSecurity     string
	DatabaseRequireTLS     string
	RedisAddr              string
	RedisRequireTLS        string
	RedisTLSInsecure       string
	CORSAllowedOrigins     string
	RequiredServiceSecrets []EnvRequirement
}

// ValidateProduction runs all startup checks. Non-production
// environments and STRICT_PROD_SECURITY=false skip them entirely.
func ValidateProduction(o Options) error {
	if !productionLike(o.Environment) || !boolFlag(o.StrictProdSecurity, true) {
		return nil
	}
	service := strings.TrimSpace(o.Service)
	if service == "" {
		service = "service"
	}
	checks := []func() error{
		func() error { return o.checkDatabase(service) },
		func() error { return o.checkRedis(service) },
		func() error { return o.checkCORS(service) },
		func() error { return o.checkSecrets(service) },
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func (o Options) checkDatabase(service string) error {
	if !boolFlag(o.DatabaseRequireTLS, false) {
		return fmt.Errorf("%s: production requires DATABASE_REQUIRE_TLS=true", service)
	}
	return nil
}

func (o Options) checkRedis(service string) error {
	if strings.TrimSpace(o.RedisAddr) == "" {
		return nil
	}
	if !boolFlag(o.RedisRequireTLS, false) {
		return fmt.Errorf("%s: production requires REDIS_REQUIRE_TLS=true", service)
	}
	if boolFlag(o.RedisTLSInsecure, false) {
		return fmt.Errorf("%s: production forbids REDIS_TLS_INSECURE", service)
	}
	return nil
}

func (o Options) checkCORS(service string) error {
	seen := 0
	for _, part := range strings.Split(o.CORSAllowedOrigins, ",") {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		seen++
		lower := strings.ToLower(origin)
		switch {
		case lower == "*":
			return fmt.Errorf("%s: production forbids the CORS wildcard origin", service)
		case isLoopbackOrigin(lower):
			return fmt.Errorf("%s: production forbids loopback CORS origin %q", service, origin)
		case !strings.HasPrefix(lower, "https://"):
			return fmt.Errorf("%s: production requires HTTPS CORS origins, got %q", service, origin)
		}
	}
	if seen == 0 {
		return fmt.Errorf("%s: production requires explicit CORS_ALLOWED_ORIGINS", service)
	}
	return nil
}

func (o Options) checkSecrets(service string) error {
	for _, req := range o.RequiredServiceSecrets {
		name := strings.TrimSpace(req.Name)
		if name == "" {
			continue
		}
		if strings.TrimSpace(req.Value) == "" {
			return fmt.Errorf("%s: production requires %s to be set", service, name)
		}
	}
	return nil
}

func isLoopbackOrigin(lower string) bool {
	for _, host := range []string{"localhost", "127.0.0.1"} {
		if strings.HasPrefix(lower, "http://"+host) || strings.HasPrefix(lower, "https://"+host) {
			return true
		}
	}
	return false
}

func boolFlag(raw string, def bool) bool {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return def
	}
	return strings.EqualFold(trimmed, "true")
}

func productionLike(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "prod", "production", "staging", "stage":
		return true
	}
	return false
}
