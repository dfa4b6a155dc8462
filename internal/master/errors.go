// internal/master/errors.go
package master

import (
	"errors"
	"fmt"

	"github.com/goburrow/modbus"

	"github.com/caosq/GreeIntense/internal/dict"
)

// ErrorKind classifies every request outcome.
type ErrorKind uint8

const (
	KindNone ErrorKind = iota
	KindIllegalArgument
	KindMasterBusy
	KindResponseTimeout
	KindReceiveData
	KindExecuteFunction
	KindRespondData
	KindNoSuchRegister
	KindProtocolException
)

var (
	ErrIllegalArgument   = errors.New("master: illegal argument")
	ErrMasterBusy        = errors.New("master: busy")
	ErrResponseTimeout   = errors.New("master: response timeout")
	ErrReceiveData       = errors.New("master: receive data error")
	ErrExecuteFunction   = errors.New("master: execute function error")
	ErrRespondData       = errors.New("master: respond data error")
	ErrProtocolException = errors.New("master: protocol exception")

	// ErrIllegalDataValue is returned by handlers for malformed responses.
	ErrIllegalDataValue = errors.New("master: illegal data value")

	// ErrStopped is returned once the engine loop has exited.
	ErrStopped = errors.New("master: stopped")

	// ErrCompletionWait is the cause of a MasterBusy result when the
	// caller stopped waiting before the reply was executed.
	ErrCompletionWait = errors.New("master: completion wait expired")
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindIllegalArgument:
		return "illegal_argument"
	case KindMasterBusy:
		return "busy"
	case KindResponseTimeout:
		return "timeout"
	case KindReceiveData:
		return "receive_data"
	case KindExecuteFunction:
		return "execute_function"
	case KindRespondData:
		return "respond_data"
	case KindNoSuchRegister:
		return "no_such_register"
	case KindProtocolException:
		return "exception"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindIllegalArgument:
		return ErrIllegalArgument
	case KindMasterBusy:
		return ErrMasterBusy
	case KindResponseTimeout:
		return ErrResponseTimeout
	case KindReceiveData:
		return ErrReceiveData
	case KindExecuteFunction:
		return ErrExecuteFunction
	case KindRespondData:
		return ErrRespondData
	case KindNoSuchRegister:
		return dict.ErrNoSuchRegister
	case KindProtocolException:
		return ErrProtocolException
	default:
		return nil
	}
}

// RequestError is every failure the engine produces except slave exceptions.
type RequestError struct {
	Kind     ErrorKind
	Addr     uint8
	Function byte
	Err      error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("master: addr %d fc 0x%02x: %s", e.Addr, e.Function, e.Kind)
	if e.Err != nil && !errors.Is(e.Kind.sentinel(), e.Err) {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	out := make([]error, 0, 2)
	if s := e.Kind.sentinel(); s != nil {
		out = append(out, s)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Code is the value reported in a device status block.
func (e *RequestError) Code() uint16 { return uint16(e.Kind) << 8 }

// ExceptionError is a slave-reported exception, returned verbatim.
type ExceptionError struct {
	modbus.ModbusError
	Addr uint8
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("master: addr %d: %s", e.Addr, e.ModbusError.Error())
}

func (e *ExceptionError) Is(target error) bool { return target == ErrProtocolException }

func (e *ExceptionError) Code() uint16 {
	return uint16(KindProtocolException)<<8 | uint16(e.ExceptionCode)
}

// KindOf classifies any error returned by the engine.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var re *RequestError
	if errors.As(err, &re) {
		return re.Kind
	}
	var ee *ExceptionError
	if errors.As(err, &ee) {
		return KindProtocolException
	}
	for _, k := range []ErrorKind{
		KindIllegalArgument, KindMasterBusy, KindResponseTimeout, KindReceiveData,
		KindExecuteFunction, KindRespondData, KindNoSuchRegister, KindProtocolException,
	} {
		if errors.Is(err, k.sentinel()) {
			return k
		}
	}
	return KindExecuteFunction
}

func illegal(addr uint8, fc byte, format string, args ...any) error {
	return &RequestError{Kind: KindIllegalArgument, Addr: addr, Function: fc, Err: fmt.Errorf(format, args...)}
}
