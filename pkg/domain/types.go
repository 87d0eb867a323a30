package domain

import "time"

// LoanStatus is derived from Loan.ReturnDate.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
)

// User is an account allowed to call protected endpoints.
type User struct {
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"-"`
}

// Reader is a library patron who borrows books.
type Reader struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Book is a catalog entry. Copies counts the copies currently on the shelf.
type Book struct {
	ID     int64   `json:"id"`
	Title  string  `json:"title"`
	Author string  `json:"author"`
	Year   *int    `json:"year"`
	ISBN   *string `json:"isbn"`
	Copies int     `json:"copies"`
}

// Loan records one borrow. ReturnDate is nil while the loan is active and is
// set exactly once.
type Loan struct {
	ID         int64      `json:"id"`
	BookID     int64      `json:"book_id"`
	ReaderID   int64      `json:"reader_id"`
	BorrowDate time.Time  `json:"borrow_date"`
	ReturnDate *time.Time `json:"return_date"`
}

func (l Loan) Status() LoanStatus {
	if l.ReturnDate == nil {
		return LoanActive
	}
	return LoanReturned
}

func (l Loan) Active() bool { return l.ReturnDate == nil }
