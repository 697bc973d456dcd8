package queue

import (
	"errors"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrQueueClosed = errors.New("queue closed")
	ErrNoHandler   = errors.New("queue has no handler")
)

const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// Backoff describes the wait before a failed job runs again.
type Backoff struct {
	Type  string        `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait after attemptsMade failed attempts:
// Delay * 2^(attemptsMade-1) for exponential, Delay for fixed. A positive
// max caps the result.
func (b Backoff) Next(attemptsMade int, max time.Duration) time.Duration {
	if attemptsMade < 1 {
		attemptsMade = 1
	}
	d := b.Delay
	if b.Type != BackoffFixed && d > 0 {
		shift := attemptsMade - 1
		if shift > 30 {
			shift = 30
		}
		// Saturate instead of wrapping negative.
		if d > time.Duration(math.MaxInt64)>>shift {
			d = time.Duration(math.MaxInt64)
		} else {
			d <<= shift
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

type Options struct {
	Attempts int     `json:"attempts"`
	Backoff  Backoff `json:"backoff"`
}

func (o Options) withDefaults(def Options) Options {
	if o.Attempts <= 0 {
		o.Attempts = def.Attempts
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = def.Backoff.Type
	}
	if o.Backoff.Type == "" {
		o.Backoff.Type = BackoffExponential
	}
	if o.Backoff.Delay <= 0 {
		o.Backoff.Delay = def.Backoff.Delay
	}
	return o
}

// Payload is the immutable order snapshot a job carries.
type Payload struct {
	OrderID  string          `json:"orderId"`
	TokenIn  string          `json:"tokenIn"`
	TokenOut string          `json:"tokenOut"`
	Amount   decimal.Decimal `json:"amount"`
}

type Job struct {
	ID      string  `json:"id"`
	Queue   string  `json:"queue"`
	Payload Payload `json:"payload"`
	Options Options `json:"opts"`

	// AttemptsMade counts finished attempts, successful or not.
	AttemptsMade int       `json:"attemptsMade"`
	RunAt        time.Time `json:"runAt"`
	LastError    string    `json:"lastError,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	seq uint64
}

// Attempt is the 1-based number of the attempt about to run.
func (j *Job) Attempt() int { return j.AttemptsMade + 1 }

// FinalAttempt reports whether a failure of the running attempt exhausts
// the job.
func (j *Job) FinalAttempt() bool { return j.Attempt() >= j.Options.Attempts }

// PermanentError marks a failure that retrying cannot fix. The queue fails
// the job at once instead of scheduling another attempt.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}
