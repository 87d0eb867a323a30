package store

import (
	"errors"
	"time"

	"librarycatalog/pkg/domain"
)

var (
	ErrUserEmailExists   = errors.New("store: user email already exists")
	ErrReaderEmailExists = errors.New("store: reader email already exists")
	ErrBookExists        = errors.New("store: book id already exists")
	ErrBookNotFound      = errors.New("store: book not found")
	ErrNoCopies          = errors.New("store: no copies available")
	ErrLoanNotFound      = errors.New("store: loan not found")
	ErrLoanClosed        = errors.New("store: loan already returned")
)

// Store defines persistence for users, readers, books and loans.
//
// CreateLoan and CloseLoan are each atomic with respect to the book's copy
// count: the loan row and the copies change commit together or not at all.
type Store interface {
	// users
	CreateUser(domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByUsername(username string) (domain.User, bool, error)

	// readers
	CreateReader(name, email string) (domain.Reader, error)
	GetReader(id int64) (domain.Reader, bool, error)
	ListReaders() ([]domain.Reader, error)

	// books
	CreateBook(domain.Book) (domain.Book, error)
	GetBook(id int64) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)

	// loans
	CreateLoan(bookID, readerID int64, at time.Time) (domain.Loan, error)
	CloseLoan(loanID int64, at time.Time) (domain.Loan, error)
	ListActiveLoansByReader(readerID int64) ([]domain.Loan, error)
	ListLoans() ([]domain.Loan, error)
}
