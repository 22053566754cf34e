package wallet

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rpc"
)

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
)

// RequestError is a provider error carrying an EIP-1193 code. It satisfies rpc.Error and
// rpc.DataError, so codes read the same way whether the error came from an in-process
// provider or over JSON-RPC.
type RequestError struct {
	Code    int
	Message string
	Data    interface{}
}

func (e *RequestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider error %d", e.Code)
	}
	return e.Message
}

func (e *RequestError) ErrorCode() int { return e.Code }

func (e *RequestError) ErrorData() interface{} { return e.Data }

var (
	_ rpc.Error     = (*RequestError)(nil)
	_ rpc.DataError = (*RequestError)(nil)
)

// ErrorCode extracts the provider error code from err, if any.
func ErrorCode(err error) (int, bool) {
	var coded rpc.Error
	if errors.As(err, &coded) {
		return coded.ErrorCode(), true
	}
	return 0, false
}

// HasCode reports whether err carries code, either directly or nested under
// data.originalError.code as some mobile wallets report it.
func HasCode(err error, code int) bool {
	if got, ok := ErrorCode(err); ok && got == code {
		return true
	}
	var withData rpc.DataError
	if !errors.As(err, &withData) {
		return false
	}
	data, ok := withData.ErrorData().(map[string]interface{})
	if !ok {
		return false
	}
	original, ok := data["originalError"].(map[string]interface{})
	if !ok {
		return false
	}
	switch v := original["code"].(type) {
	case float64:
		return int(v) == code
	case int:
		return v == code
	}
	return false
}
