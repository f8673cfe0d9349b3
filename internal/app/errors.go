package app

import (
	"fmt"
	"net/http"
)

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

// errOrderHidden is returned both when an order does not exist and when the
// principal is not one of its participants. The two cases must stay
// observationally identical so order existence never leaks to outsiders.
func errOrderHidden() *DomainError {
	return domainError(http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}
