// SPDX-License-Identifier: GPL-3.0-or-later

package nbnet

import (
	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// NewSpanID returns a UUIDv7 representing a span.
//
// Each [*Connection] session and each [*Endpoint] opening is a span: every
// log event it emits carries the same spanID field, so the events of one
// socket lifetime can be grouped together.
//
// The span terminology is borrowed from OTel.
//
// This function panics if the system random number generator fails,
// which should only happen under extraordinary circumstances.
func NewSpanID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}
