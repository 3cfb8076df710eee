// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package bridge

import (
	"errors"
	"fmt"
)

// Error classes. Adapters wrap the underlying cause so that callers can
// classify it with errors.Is while keeping the original message.
var (
	ErrTransientFetch   = errors.New("transient fetch error")
	ErrFetchGap         = errors.New("fetch gap")
	ErrTransientPublish = errors.New("transient publish error")
	ErrPermanentPublish = errors.New("permanent publish error")
	ErrTransientSend    = errors.New("transient send error")
	ErrMessageTooLarge  = errors.New("message too large")
)

// classified joins a class sentinel with its cause.
type classified struct {
	class error
	cause error
}

func (e *classified) Error() string {
	if e.cause == nil {
		return e.class.Error()
	}
	return fmt.Sprintf("%s: %s", e.class, e.cause)
}

func (e *classified) Unwrap() []error {
	if e.cause == nil {
		return []error{e.class}
	}
	return []error{e.class, e.cause}
}

func classify(class, cause error) error {
	return &classified{class: class, cause: cause}
}

// TransientFetchError wraps err as a retryable fetch failure.
func TransientFetchError(err error) error { return classify(ErrTransientFetch, err) }

// FetchGapError reports that a fetch could not reach back to the requested
// time. It comes with the messages that were found.
func FetchGapError(err error) error { return classify(ErrFetchGap, err) }

// TransientPublishError wraps err as a retryable publish failure.
func TransientPublishError(err error) error { return classify(ErrTransientPublish, err) }

// PermanentPublishError wraps err as a publish failure that disables the pair.
func PermanentPublishError(err error) error { return classify(ErrPermanentPublish, err) }

// TransientSendError wraps err as a retryable IRC send failure.
func TransientSendError(err error) error { return classify(ErrTransientSend, err) }

// MessageTooLargeError reports a message that was dropped because of its size.
func MessageTooLargeError(size, limit int) error {
	return classify(ErrMessageTooLarge, fmt.Errorf("%d bytes exceeds limit of %d", size, limit))
}

// Kind returns a short label for the class of err, used in logs and
// metrics. Unclassified errors report "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermanentPublish):
		return "permanent_publish"
	case errors.Is(err, ErrTransientPublish):
		return "transient_publish"
	case errors.Is(err, ErrTransientFetch):
		return "transient_fetch"
	case errors.Is(err, ErrFetchGap):
		return "fetch_gap"
	case errors.Is(err, ErrTransientSend):
		return "transient_send"
	case errors.Is(err, ErrMessageTooLarge):
		return "message_too_large"
	default:
		return "unknown"
	}
}
