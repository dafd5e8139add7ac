package types

// ErrorKind categorizes every failure a collector or dispatcher can
// surface. The scheduler uses RetryRecommended to decide on same-tick
// retries and Recoverable for failure-budget accounting.
type ErrorKind string

const (
	ErrNone       ErrorKind = ""
	ErrRateLimit  ErrorKind = "rate_limit"   // upstream throttled us, maybe with Retry-After
	ErrNetwork    ErrorKind = "network"      // connection refused, reset, or timeout
	ErrServer     ErrorKind = "server_error" // upstream 5xx
	ErrClient     ErrorKind = "client_error" // upstream 4xx other than 429
	ErrValidation ErrorKind = "validation"   // response structurally invalid or rows failed invariants
	ErrStorage    ErrorKind = "storage"      // store rejected the write
	ErrUnexpected ErrorKind = "unexpected"
)

// Recoverable reports whether failures of this kind are expected to
// clear on their own (and thus worth keeping the task enabled for).
func (k ErrorKind) Recoverable() bool {
	switch k {
	case ErrRateLimit, ErrNetwork, ErrServer, ErrStorage:
		return true
	default:
		return false
	}
}

// RetryRecommended reports whether a same-tick retry is worthwhile.
func (k ErrorKind) RetryRecommended() bool {
	switch k {
	case ErrRateLimit, ErrNetwork, ErrServer, ErrStorage:
		return true
	default:
		return false
	}
}
