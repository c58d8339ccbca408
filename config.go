// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"net"
	"time"
)

// Config holds common configuration for nbnet objects.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// Dialer is used by [*DNSOverUDPResolver].
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Resolver maps host names to IPv4 addresses for
	// [*Connection.ConnectHost].
	//
	// Set by [NewConfig] to [NewSystemResolver].
	Resolver Resolver

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Dialer:        &net.Dialer{},
		ErrClassifier: DefaultErrClassifier,
		Resolver:      NewSystemResolver(),
		TimeNow:       time.Now,
	}
}
