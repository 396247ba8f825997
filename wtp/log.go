// https://github.com/usbarmory/wtp
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package wtp

import "go.uber.org/zap"

// NewProductionLogger returns the zap.Logger hosts typically pass to
// NewEndpoint: JSON output at info level. Prefer building a *zap.Logger
// yourself (e.g. zap.NewDevelopment()) in tests and CLIs; this is a
// convenience default for long-running daemons.
func NewProductionLogger() (*zap.Logger, error) {
	return zap.NewProduction()
}
