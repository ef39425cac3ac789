package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error classes. Every pipeline failure unwraps to exactly one of these.
var (
	ErrParse          = errors.New("parse error")
	ErrValidation     = errors.New("validation error")
	ErrPersistence    = errors.New("persistence error")
	ErrVerification   = errors.New("verification failed")
	ErrNetwork        = errors.New("network or protocol error")
	ErrCredentials    = errors.New("credential error")
	ErrSystem         = errors.New("system error")
	ErrNotFound       = errors.New("not found")
	ErrQueueFull      = errors.New("queue capacity exceeded")
	ErrAlreadyRunning = errors.New("cycle already running")
)

// Stage names recorded in ingestion_error.stage.
const (
	StageStub           = "STUB"
	StageDetect         = "DETECT"
	StageParse          = "PARSE"
	StageHeaderValidate = "HEADER_VALIDATE"
	StageValidate       = "VALIDATE"
	StagePersist        = "PERSIST"
	StageVerify         = "VERIFY"
	StageAck            = "ACK"
	StagePipeline       = "PIPELINE"
	StageFetch          = "FETCH"
)

// Error codes recorded in ingestion_error.error_code.
const (
	CodeStubFail         = "STUB_FAIL"
	CodeUnknownRoot      = "UNKNOWN_ROOT"
	CodeParseFail        = "PARSE_FAIL"
	CodeMissingHeader    = "MISSING_HEADER_FIELDS"
	CodeHeaderUpdateFail = "HEADER_UPDATE_FAIL"
	CodeSubmissionRules  = "SUBMISSION_RULES"
	CodeRemittanceRules  = "REMITTANCE_RULES"
	CodePersistFail      = "PERSIST_FAIL"
	CodeDuplicateClaim   = "DUPLICATE_CLAIM"
	CodeVerifyFail       = "VERIFY_FAIL"
	CodeNotVerified      = "NOT_VERIFIED"
	CodePipelineFail     = "PIPELINE_FAIL"
	CodeCredentialsFail  = "CREDENTIALS"
	CodeDownloadFail     = "DOWNLOAD_FAIL"
)

// StageError is a classified failure raised inside one pipeline stage.
type StageError struct {
	Err       error
	Stage     string
	Code      string
	Message   string
	Retryable bool
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s [%s/%s]: %s", e.Err.Error(), e.Stage, e.Code, e.Message)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func New(class error, stage, code, message string) *StageError {
	return &StageError{
		Err:     class,
		Stage:   stage,
		Code:    code,
		Message: message,
	}
}

func Newf(class error, stage, code, format string, args ...any) *StageError {
	return &StageError{
		Err:     class,
		Stage:   stage,
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap classifies cause under class while keeping it reachable through
// errors.Is/As.
func Wrap(class error, stage, code string, cause error) *StageError {
	return &StageError{
		Err:     fmt.Errorf("%w: %w", class, cause),
		Stage:   stage,
		Code:    code,
		Message: cause.Error(),
	}
}

// AsRetryable marks e as retryable and returns it.
func (e *StageError) AsRetryable() *StageError {
	e.Retryable = true
	return e
}

// StageOf returns the stage and code of err, or fallback values when err is
// not a StageError.
func StageOf(err error, fallbackStage, fallbackCode string) (string, string) {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage, se.Code
	}
	return fallbackStage, fallbackCode
}

func IsRetryable(err error) bool {
	var se *StageError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return errors.Is(err, ErrNetwork)
}

// Class returns a short label for the error class of err.
func Class(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrVerification):
		return "verification"
	case errors.Is(err, ErrCredentials):
		return "credentials"
	case errors.Is(err, ErrNetwork):
		return "network"
	default:
		return "system"
	}
}

func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyRunning), errors.Is(err, ErrQueueFull):
		return http.StatusConflict
	case errors.Is(err, ErrValidation), errors.Is(err, ErrParse):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrNetwork):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
