package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTransient marks a failure worth retrying: rate limits, upstream
	// outages, timeouts, malformed output the worker may fix on a re-run.
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks a failure that retrying cannot fix: bad credentials,
	// rejected requests, configuration problems.
	ErrPermanent = errors.New("permanent failure")
)

// Wrap tags err with a classification marker and stage context. The marker
// should be ErrTransient or ErrPermanent.
func Wrap(marker error, stage, operation string, err error) error {
	detail := buildDetail(stage, operation)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsTransient reports whether a failed invocation should count against the
// retry budget and be re-run. Deadline expiry and cancellation of the
// invocation's own timeout are transient; unclassified errors default to
// transient so an unknown failure mode never strands a session without its
// retries.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrPermanent) {
		return false
	}
	if errors.Is(err, ErrTransient) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return true
}

// IsPermanent reports whether a failure is terminal for the stage.
func IsPermanent(err error) bool {
	return err != nil && !IsTransient(err)
}

func buildDetail(stage, operation string) string {
	parts := make([]string, 0, 2)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if len(parts) == 0 {
		return "agent failure"
	}
	return strings.Join(parts, ": ")
}
