package validation

import "fmt"

// Stratum error codes returned to miners.
const (
	CodeOther         = 20
	CodeJobNotFound   = 21
	CodeDuplicate     = 22
	CodeLowDifficulty = 23
	CodeUnauthorized  = 24
)

// ShareError is a rejected submission.
type ShareError struct {
	Code    int
	Message string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

// Rejections, in pipeline order.
var (
	ErrJobNotFound       = &ShareError{CodeJobNotFound, "job not found"}
	ErrHeaderHex         = &ShareError{CodeOther, "invalid header submission [1]"}
	ErrMixHashHex        = &ShareError{CodeOther, "invalid mixHash submission"}
	ErrNonceHex          = &ShareError{CodeOther, "invalid nonce submission"}
	ErrMixHashSize       = &ShareError{CodeOther, "incorrect size of mixHash"}
	ErrNonceSize         = &ShareError{CodeOther, "incorrect size of nonce"}
	ErrNonceRange        = &ShareError{CodeUnauthorized, "nonce out of worker range"}
	ErrWorkerAddress     = &ShareError{CodeOther, "worker address isn't set properly"}
	ErrDuplicateShare    = &ShareError{CodeDuplicate, "duplicate share"}
	ErrHeaderMismatch    = &ShareError{CodeOther, "invalid header submission [2]"}
	ErrInvalidShare      = &ShareError{CodeLowDifficulty, "invalid share"}
	ErrLowDifficulty     = &ShareError{CodeLowDifficulty, "low difficulty share"}
	ErrVerifyUnavailable = &ShareError{CodeOther, "share verification unavailable"}
)

// Worker is the session state the pipeline needs. It is owned by the
// session layer and only read here.
type Worker struct {
	ID                 string
	Name               string
	ExtraNonce1        string
	PrimaryAddress     string
	AuxiliaryAddress   string
	Difficulty         float64
	PreviousDifficulty float64
}

// Submission holds the raw hex fields of mining.submit. A leading "0x" is
// accepted on every field.
type Submission struct {
	ExtraNonce1 string
	Nonce       string
	HeaderHash  string
	MixHash     string
}

// Result is the outcome of one submission. Error is nil when accepted.
type Result struct {
	Error *ShareError

	Accepted         bool
	JobID            uint64
	Height           int64
	Nonce            uint64
	ShareDifficulty  float64
	Difficulty       float64
	IsBlockCandidate bool
	BlockHash        string
	BlockHex         string
}

// Stratum renders the error member of a mining.submit response.
func (r Result) Stratum() []any {
	if r.Error == nil {
		return nil
	}
	return []any{r.Error.Code, r.Error.Message, nil}
}

func reject(err *ShareError) Result {
	return Result{Error: err}
}
