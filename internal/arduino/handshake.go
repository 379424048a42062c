package arduino

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fisaks/labduino/internal/logging"
)

const (
	fallbackToken  = 1000
	confirmMaxRead = 75
	packetMaxRead  = 250

	reasonMismatch = "cannot rectify call number"
)

// LineIO is the part of the transport the handshake needs.
type LineIO interface {
	WriteLine(ctx context.Context, line string) error
	ReadLine(ctx context.Context, max int) (string, error)
	Flush() error
}

// RetryPolicy bounds the call-number exchange. Every transport error or
// mismatched echo uses one attempt.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 2}
}

// Handshaker runs the call-number exchange that proves the line is in sync
// before a command is sent.
type Handshaker struct {
	io     LineIO
	policy RetryPolicy
	now    func() time.Time
}

func NewHandshaker(io LineIO, policy RetryPolicy, now func() time.Time) *Handshaker {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = DefaultRetryPolicy().MaxAttempts
	}
	if now == nil {
		now = time.Now
	}
	return &Handshaker{io: io, policy: policy, now: now}
}

// CallToken derives the call number from t: the last four characters of the
// time in decimal seconds. sent goes on the wire, n is what the device echoes.
// When the characters are not an integer, 1000 is used.
func CallToken(t time.Time) (sent string, n int) {
	secs := float64(t.Unix()) + float64(t.Nanosecond())/1e9
	s := strconv.FormatFloat(secs, 'f', -1, 64)
	if len(s) > 4 {
		s = s[len(s)-4:]
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return strconv.Itoa(fallbackToken), fallbackToken
	}
	return s, v
}

func ExpectedEcho(n int) string {
	return fmt.Sprintf("Call Number received : %d", n)
}

// Perform sends the call number and checks the echo. It returns the number of
// retries used. After the last failed attempt unread input is flushed once
// and a *HandshakeError is returned.
func (h *Handshaker) Perform(ctx context.Context) (int, error) {
	sent, n := CallToken(h.now())
	cmd := FormatCommand(cmdCallNum, sent)
	expected := ExpectedEcho(n)

	var (
		actual  string
		reason  string
		lastErr error
	)
	for attempt := 0; attempt < h.policy.MaxAttempts; attempt++ {
		if attempt > 0 && h.policy.Backoff > 0 {
			if err := sleepCtx(ctx, h.policy.Backoff); err != nil {
				return attempt, err
			}
		}
		line, err := h.exchange(ctx, cmd)
		if err == nil && line == expected {
			if attempt > 0 {
				logging.Debug("call number accepted after retry", "retries", attempt)
			}
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, ctx.Err()
		}
		if err != nil {
			actual, reason, lastErr = "", err.Error(), err
		} else {
			actual, reason, lastErr = line, reasonMismatch, nil
		}
		logging.Debug("call number attempt failed", "attempt", attempt+1, "expected", expected, "received", actual, "reason", reason)
	}

	if err := h.io.Flush(); err != nil {
		logging.Warn("flush after call failure failed", "error", err)
	}
	retries := h.policy.MaxAttempts - 1
	return retries, &HandshakeError{
		Expected: expected,
		Actual:   actual,
		Retries:  retries,
		Reason:   reason,
		Err:      lastErr,
	}
}

func (h *Handshaker) exchange(ctx context.Context, cmd string) (string, error) {
	if err := h.io.WriteLine(ctx, cmd); err != nil {
		return "", err
	}
	line, err := h.io.ReadLine(ctx, confirmMaxRead)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
