// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package fault

import (
	"context"
	"errors"
	"net"
	"strings"
)

// transientNeedles are message fragments that identify a retryable failure
// when no typed classification is available. Matched case-insensitively.
var transientNeedles = []string{
	"rate limit",
	"rate_limited",
	"too many requests",
	"429",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"temporarily unavailable",
	"server error",
	"bad gateway",
	"service unavailable",
	"500",
	"502",
	"503",
	"504",
}

// KindOf resolves the Kind of an arbitrary error. Typed classification wins;
// context and net errors come next; a message-substring fallback covers
// errors from layers that never learned the taxonomy. Unclassifiable errors
// report Internal. A nil error reports the empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range transientNeedles {
		if strings.Contains(msg, needle) {
			return Transient
		}
	}
	return Internal
}

// Retryable reports whether the retry executor may re-invoke the operation
// that produced err. Only Transient failures qualify.
func Retryable(err error) bool {
	return KindOf(err) == Transient
}

// FromHTTPStatus maps a response status code to a Kind. 2xx codes map to
// the empty Kind.
func FromHTTPStatus(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return ""
	case status == 429:
		return Transient
	case status >= 500:
		return Transient
	case status >= 400:
		return Permanent
	default:
		return Internal
	}
}
