package batchflow

import (
	"fmt"

	"github.com/pkg/errors"
)

//BatchError typed error carried across the engine boundary
type BatchError interface {
	//Code code of the error
	Code() string
	//Message readable message of the error
	Message() string
	//Error error interface
	Error() string
	//StackTrace stack trace of the point the error was raised
	StackTrace() string
	//Unwrap cause of the error if it wraps one
	Unwrap() error
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

type batchErr struct {
	code  string
	msg   string
	stack error
	cause error
}

func (err *batchErr) Code() string {
	return err.code
}

func (err *batchErr) Message() string {
	return err.msg
}

func (err *batchErr) Error() string {
	if err.cause != nil {
		return fmt.Sprintf("batch err, code:%v, message:%v, cause:%v", err.code, err.msg, err.cause)
	}
	return fmt.Sprintf("batch err, code:%v, message:%v", err.code, err.msg)
}

func (err *batchErr) StackTrace() string {
	return fmt.Sprintf("%+v", err.stack)
}

func (err *batchErr) Unwrap() error {
	return err.cause
}

//NewBatchError build a BatchError from a printf style message. If the last
//argument is an error it becomes the cause and is excluded from formatting.
func NewBatchError(code string, msg string, args ...interface{}) BatchError {
	var cause error
	if len(args) > 0 {
		if e, ok := args[len(args)-1].(error); ok {
			cause = e
			args = args[:len(args)-1]
		}
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	var stack error
	if cause != nil {
		if _, ok := cause.(stackTracer); ok {
			stack = cause
		} else {
			stack = errors.WithStack(cause)
		}
	} else {
		stack = errors.New(msg)
	}
	return &batchErr{code: code, msg: msg, stack: stack, cause: cause}
}

//CodeOf return the code of a BatchError, or ErrCodeGeneral for other errors.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if be, ok := err.(BatchError); ok {
		return be.Code()
	}
	return ErrCodeGeneral
}

//asBatchError wraps err as a BatchError, existing ones pass through
func asBatchError(err error) BatchError {
	if err == nil {
		return nil
	}
	if be, ok := err.(BatchError); ok {
		return be
	}
	return NewBatchError(ErrCodeGeneral, "%v", err)
}

const (
	//ErrCodeRejected admission denied by backpressure
	ErrCodeRejected = "rejected"
	//ErrCodeTimeout response or processing exceeded its bound
	ErrCodeTimeout = "timeout"
	//ErrCodeWorkerUnhealthy worker missed its heartbeat deadline or crashed
	ErrCodeWorkerUnhealthy = "worker_unhealthy"
	//ErrCodeWorkerNotFound worker id is not registered
	ErrCodeWorkerNotFound = "worker_not_found"
	//ErrCodeTransferFailed communication transfer could not complete
	ErrCodeTransferFailed = "transfer_failed"
	//ErrCodeProcessingFailed processing callback exhausted its retries
	ErrCodeProcessingFailed = "processing_failed"
	//ErrCodeCancelled pending work abandoned by shutdown
	ErrCodeCancelled = "cancelled"
	//ErrCodeDbFail journal access failed
	ErrCodeDbFail = "db_fail"
	//ErrCodeGeneral uncategorized failure
	ErrCodeGeneral = "general"
)
