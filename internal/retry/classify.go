package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/mattn/go-sqlite3"
)

// Class is the failure classification for a single error.
type Class int

const (
	// ClassPermanent means the error will not resolve with a retry.
	ClassPermanent Class = iota

	// ClassTransient means the error is expected to resolve with a retry.
	ClassTransient
)

// transientSubstrings matches driver error text that carries no typed cause.
var transientSubstrings = []string{
	"database is locked",
	"database table is locked",
	"deadlock",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many connections",
	"resource temporarily unavailable",
}

// Classify decides whether an error is transient or permanent.
// Transient causes form a fixed set: connection loss, lock contention,
// deadlock, timeouts, and resource exhaustion. Everything else, including
// context cancellation and errors marked Permanent, is permanent.
func Classify(err error) Class {
	if err == nil {
		return ClassPermanent
	}

	if IsPermanent(err) {
		return ClassPermanent
	}

	// Cancellation is a caller decision, never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassPermanent
	}

	// The sql package asks for a retry on a fresh connection with ErrBadConn.
	if errors.Is(err, driver.ErrBadConn) {
		return ClassTransient
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrProtocol:
			return ClassTransient
		case sqlite3.ErrIoErr, sqlite3.ErrFull, sqlite3.ErrNomem:
			return ClassTransient
		default:
			return ClassPermanent
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EAGAIN) {
		return ClassTransient
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return ClassTransient
		}
	}

	return ClassPermanent
}
