package config

import (
	"strings"

	"go.uber.org/zap"
)

// defaultStepUpSecret is the development fallback; running production with it
// means step-up tokens are forgeable.
const defaultStepUpSecret = "change-me-in-production-32bytes!"

// ProductionWarnings returns the list of insecure settings that should never
// reach a production deployment.
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if c.StepUpTokenSecret == defaultStepUpSecret {
		warnings = append(warnings, "step_up_token_secret is the development default; step-up grants are forgeable")
	}
	if len(c.StepUpTokenSecret) < 32 {
		warnings = append(warnings, "step_up_token_secret is shorter than 32 bytes")
	}
	if !c.EnableRateLimit {
		warnings = append(warnings, "rate limiting is disabled; ceremony endpoints can be brute-forced")
	}
	for _, origin := range c.WebAuthn.RPOrigins {
		if origin == "*" {
			warnings = append(warnings, "webauthn.rp_origins contains a wildcard")
			continue
		}
		if strings.HasPrefix(origin, "http://") && !strings.Contains(origin, "localhost") {
			warnings = append(warnings, "webauthn.rp_origins contains a non-TLS origin: "+origin)
		}
	}
	if c.WebAuthn.RPID == "localhost" {
		warnings = append(warnings, "webauthn.rp_id is localhost")
	}

	return warnings
}

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}
