package app

import "fmt"

// DomainError is a facade error that already knows how it should leave the
// process: Status and Code become the HTTP response, Message is phrased for
// the operative. mapError passes it through untranslated.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}
