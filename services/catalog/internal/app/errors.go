package app

import (
	"errors"
	"fmt"
)

// Kind classifies application errors for the transport layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuth
	KindBusinessRule
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuth:
		return "auth"
	case KindBusinessRule:
		return "business_rule"
	default:
		return "unknown"
	}
}

// Error is a caller-facing failure. Detail is safe to show to clients.
type Error struct {
	Kind   Kind
	Code   string
	Detail string
}

func (e *Error) Error() string { return e.Detail }

// Is matches on Code so errors carrying a customised Detail still compare
// equal to their sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

var (
	ErrDuplicateEmail  = &Error{Kind: KindValidation, Code: "duplicate_email", Detail: "Email already registered."}
	ErrDuplicateBookID = &Error{Kind: KindValidation, Code: "duplicate_book_id", Detail: "Book with this ID already exists."}
	ErrInvalidCopies   = &Error{Kind: KindValidation, Code: "invalid_copies", Detail: "Copies must not be negative."}
	ErrInvalidRequest  = &Error{Kind: KindValidation, Code: "invalid_request", Detail: "Invalid request."}

	// ErrInvalidCredentials does not say which half of the pair was wrong.
	ErrInvalidCredentials = &Error{Kind: KindAuth, Code: "invalid_credentials", Detail: "Incorrect username or password"}
	ErrUnauthenticated    = &Error{Kind: KindAuth, Code: "unauthenticated", Detail: "Could not validate credentials"}

	ErrBookNotFound        = &Error{Kind: KindBusinessRule, Code: "book_not_found", Detail: "Book not found."}
	ErrBookUnavailable     = &Error{Kind: KindBusinessRule, Code: "book_unavailable", Detail: "Book not available."}
	ErrBorrowLimitExceeded = &Error{Kind: KindBusinessRule, Code: "borrow_limit_exceeded", Detail: "Reader cannot borrow more than 3 books."}
	ErrAlreadyBorrowed     = &Error{Kind: KindBusinessRule, Code: "already_borrowed", Detail: "Reader has already borrowed this book."}
	ErrNoActiveLoan        = &Error{Kind: KindBusinessRule, Code: "no_active_loan", Detail: "Book not borrowed by this reader."}
)

func borrowLimitExceeded(limit int) error {
	if limit == 3 {
		return ErrBorrowLimitExceeded
	}
	return &Error{
		Kind:   ErrBorrowLimitExceeded.Kind,
		Code:   ErrBorrowLimitExceeded.Code,
		Detail: fmt.Sprintf("Reader cannot borrow more than %d books.", limit),
	}
}

func invalidRequest(detail string) error {
	return &Error{Kind: KindValidation, Code: ErrInvalidRequest.Code, Detail: detail}
}
