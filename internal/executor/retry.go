package executor

import (
	"context"
	"errors"
	"net/http"
	"time"

	retrygo "github.com/avast/retry-go/v4"

	"github.com/keyport/gateway/internal/config"
)

// Policy is the resolved retry configuration for one upstream.
type Policy struct {
	Mode       string // default | backoff | key_rotation
	Attempts   int
	RetryAfter time.Duration
	Statuses   map[int]struct{}
	Methods    map[string]struct{}
}

// NewPolicy builds a Policy from the validated configuration.
func NewPolicy(rc config.RetryConfig) Policy {
	statuses := make(map[int]struct{}, len(rc.RetryStatusCodes))
	for _, s := range rc.RetryStatusCodes {
		statuses[s] = struct{}{}
	}
	methods := make(map[string]struct{}, len(rc.RetryRequestMethods))
	for _, m := range rc.RetryRequestMethods {
		methods[m] = struct{}{}
	}
	return Policy{
		Mode:       rc.Mode,
		Attempts:   rc.Attempts,
		RetryAfter: time.Duration(rc.RetryAfterSeconds * float64(time.Second)),
		Statuses:   statuses,
		Methods:    methods,
	}
}

// RetryableStatus reports whether status+method combination should retry
// under this policy (SPEC_FULL.md §4.7).
func (p Policy) RetryableStatus(method string, status int) bool {
	if _, ok := p.Methods[method]; !ok {
		return false
	}
	_, ok := p.Statuses[status]
	return ok
}

// RetryableMethod reports whether a network-level failure is retryable
// for this method unconditionally.
func (p Policy) RetryableMethod(method string) bool {
	_, ok := p.Methods[method]
	return ok
}

// retryableSignal is a sentinel wrapping an attempt outcome so retry-go's
// RetryIf can distinguish "try again" from "stop".
type retryableSignal struct {
	err       error
	retryable bool
}

func (s *retryableSignal) Error() string { return s.err.Error() }
func (s *retryableSignal) Unwrap() error { return s.err }

// Attempt is invoked once per try. It returns the response obtained (nil
// on network failure), whether this outcome is retryable, and an error to
// report if the loop gives up. Run's onRotate, if non-nil, is called
// before a key_rotation-mode retry to pick a new credential.
type Attempt func(ctx context.Context, attemptNum int) (resp *http.Response, retryable bool, err error)

// Run executes attempt under the policy's retry/backoff/rotation rules,
// via github.com/avast/retry-go/v4, and returns the final response (the
// last attempt's, whether it succeeded or exhausted retries) or the last
// error if every attempt failed at the network level.
func Run(ctx context.Context, policy Policy, onRotate func(), attempt Attempt) (*http.Response, error) {
	maxTries := uint(policy.Attempts + 1)
	if maxTries == 0 {
		maxTries = 1
	}

	var lastResp *http.Response
	attemptNum := 0

	opts := []retrygo.Option{
		retrygo.Attempts(maxTries),
		retrygo.Context(ctx),
		retrygo.LastErrorOnly(true),
		retrygo.RetryIf(func(err error) bool {
			var sig *retryableSignal
			if errors.As(err, &sig) {
				return sig.retryable
			}
			return false
		}),
	}

	switch policy.Mode {
	case "backoff":
		opts = append(opts,
			retrygo.DelayType(retrygo.BackOffDelay),
			retrygo.Delay(policy.RetryAfter),
			retrygo.MaxDelay(60*time.Second),
		)
	default: // "default" and "key_rotation" both resend after a fixed delay
		opts = append(opts,
			retrygo.DelayType(retrygo.FixedDelay),
			retrygo.Delay(policy.RetryAfter),
		)
	}

	err := retrygo.Do(func() error {
		if attemptNum > 0 && policy.Mode == "key_rotation" && onRotate != nil {
			onRotate()
		}
		resp, retryable, aerr := attempt(ctx, attemptNum)
		attemptNum++
		lastResp = resp
		if aerr == nil && !retryable {
			return nil
		}
		if aerr == nil {
			aerr = errors.New("retryable outcome")
		}
		return &retryableSignal{err: aerr, retryable: retryable}
	}, opts...)

	if err != nil && lastResp == nil {
		return nil, err
	}
	return lastResp, nil
}
