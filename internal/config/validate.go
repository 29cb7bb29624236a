// Jukewire - Mopidy WebSocket Relay with Listening Attribution
// Copyright 2026 Jukewire contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/jukewire/jukewire

package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-playground/validator/v10"
)

// minJWTSecretLen is the minimum accepted JWT secret length. Shorter
// secrets make HS256 tokens brute-forceable.
const minJWTSecretLen = 32

// Validate checks the configuration for structural and cross-field
// errors. Struct tags handle range checks; everything the tags cannot
// express is checked by hand.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if ok := isValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			f := verrs[0]
			return fmt.Errorf("invalid value for %s: failed %q check", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("struct validation: %w", err)
	}

	if err := c.validateUpstreamURL(); err != nil {
		return err
	}

	if c.Security.JWTSecret != "" && len(c.Security.JWTSecret) < minJWTSecretLen {
		return fmt.Errorf("security.jwt_secret must be at least %d characters", minJWTSecretLen)
	}
	if c.Security.AdminUsername != "" && c.Security.AdminPassword == "" {
		return fmt.Errorf("security.admin_password is required when admin_username is set")
	}

	if c.Upstream.PongWait <= c.Upstream.PingInterval {
		return fmt.Errorf("upstream.pong_wait (%s) must exceed upstream.ping_interval (%s)",
			c.Upstream.PongWait, c.Upstream.PingInterval)
	}

	if c.Engine.SearchWindow > c.Engine.SessionGap {
		return fmt.Errorf("engine.search_window (%s) must not exceed engine.session_gap (%s)",
			c.Engine.SearchWindow, c.Engine.SessionGap)
	}

	return nil
}

// validateUpstreamURL requires a ws:// or wss:// upstream endpoint.
func (c *Config) validateUpstreamURL() error {
	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("upstream.url is not a valid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return fmt.Errorf("upstream.url scheme must be ws or wss, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("upstream.url has no host")
	}
	return nil
}

// AttributionEnabled reports whether sessions can ever be attributed.
// Without a JWT secret no token can verify, so the relay runs in pure
// pass-through mode.
func (c *Config) AttributionEnabled() bool {
	return c.Security.JWTSecret != ""
}

// isValidationErrors unwraps a validator.ValidationErrors from err.
func isValidationErrors(err error, target *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}
