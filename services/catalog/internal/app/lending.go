package app

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/store"
)

const defaultMaxActiveLoans = 3

// LendingEngine owns the borrow/return state machine. A loan is ACTIVE until
// its ReturnDate is set, then RETURNED for good.
//
// Every check-then-act sequence runs under mu, so concurrent borrows can never
// push a book's copies below zero or a reader past the loan limit.
type LendingEngine struct {
	mu             sync.Mutex
	store          store.Store
	maxActiveLoans int
	allowDuplicate bool
	now            func() time.Time
}

// LendingOptions tunes LendingEngine. Zero values select defaults.
type LendingOptions struct {
	MaxActiveLoans      int
	AllowDuplicateLoans bool
	Now                 func() time.Time
}

func NewLendingEngine(s store.Store, opts LendingOptions) *LendingEngine {
	if opts.MaxActiveLoans <= 0 {
		opts.MaxActiveLoans = defaultMaxActiveLoans
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LendingEngine{
		store:          s,
		maxActiveLoans: opts.MaxActiveLoans,
		allowDuplicate: opts.AllowDuplicateLoans,
		now:            opts.Now,
	}
}

// Borrow lends one copy of bookID to readerID. The reader's loan limit is
// checked before the book, so a reader at the limit is refused even for a
// book that does not exist. The returned Book reflects copies after the loan.
func (e *LendingEngine) Borrow(bookID, readerID int64) (domain.Loan, domain.Book, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, err := e.store.ListActiveLoansByReader(readerID)
	if err != nil {
		return domain.Loan{}, domain.Book{}, fmt.Errorf("list active loans: %w", err)
	}
	if len(active) >= e.maxActiveLoans {
		return domain.Loan{}, domain.Book{}, borrowLimitExceeded(e.maxActiveLoans)
	}

	book, ok, err := e.store.GetBook(bookID)
	if err != nil {
		return domain.Loan{}, domain.Book{}, fmt.Errorf("get book: %w", err)
	}
	if !ok {
		return domain.Loan{}, domain.Book{}, ErrBookNotFound
	}
	if book.Copies <= 0 {
		return domain.Loan{}, domain.Book{}, ErrBookUnavailable
	}

	if !e.allowDuplicate {
		for _, l := range active {
			if l.BookID == bookID {
				return domain.Loan{}, domain.Book{}, ErrAlreadyBorrowed
			}
		}
	}

	loan, err := e.store.CreateLoan(bookID, readerID, e.now().UTC())
	switch {
	case errors.Is(err, store.ErrBookNotFound):
		return domain.Loan{}, domain.Book{}, ErrBookNotFound
	case errors.Is(err, store.ErrNoCopies):
		return domain.Loan{}, domain.Book{}, ErrBookUnavailable
	case err != nil:
		return domain.Loan{}, domain.Book{}, fmt.Errorf("create loan: %w", err)
	}
	book.Copies--
	return loan, book, nil
}

// Return closes the reader's active loan for bookID. When duplicates exist
// the oldest loan is closed first, ties broken by lowest id.
func (e *LendingEngine) Return(bookID, readerID int64) (domain.Loan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, err := e.store.ListActiveLoansByReader(readerID)
	if err != nil {
		return domain.Loan{}, fmt.Errorf("list active loans: %w", err)
	}
	var target *domain.Loan
	for i := range active {
		l := &active[i]
		if l.BookID != bookID {
			continue
		}
		if target == nil || l.BorrowDate.Before(target.BorrowDate) ||
			(l.BorrowDate.Equal(target.BorrowDate) && l.ID < target.ID) {
			target = l
		}
	}
	if target == nil {
		return domain.Loan{}, ErrNoActiveLoan
	}

	loan, err := e.store.CloseLoan(target.ID, e.now().UTC())
	switch {
	case errors.Is(err, store.ErrLoanClosed), errors.Is(err, store.ErrLoanNotFound):
		return domain.Loan{}, ErrNoActiveLoan
	case err != nil:
		return domain.Loan{}, fmt.Errorf("close loan: %w", err)
	}
	return loan, nil
}

// ActiveLoans lists a reader's active loans ordered by id.
func (e *LendingEngine) ActiveLoans(readerID int64) ([]domain.Loan, error) {
	loans, err := e.store.ListActiveLoansByReader(readerID)
	if err != nil {
		return nil, fmt.Errorf("list active loans: %w", err)
	}
	if loans == nil {
		loans = []domain.Loan{}
	}
	return loans, nil
}
