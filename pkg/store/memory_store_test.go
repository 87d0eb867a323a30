package store

import (
	"errors"
	"testing"
	"time"

	"librarycatalog/pkg/domain"
)

func TestMemoryStoreUsers(t *testing.T) {
	s := NewMemoryStore()
	if err := s.CreateUser(domain.User{Username: "alice", Email: "a@example.com", PasswordHash: "h"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(domain.User{Username: "other", Email: "a@example.com"}); !errors.Is(err, ErrUserEmailExists) {
		t.Fatalf("expected ErrUserEmailExists, got %v", err)
	}
	u, ok, err := s.GetUserByEmail("a@example.com")
	if err != nil || !ok || u.Username != "alice" {
		t.Fatalf("get by email: %+v ok=%v err=%v", u, ok, err)
	}
	if u.CreatedAt.IsZero() {
		t.Fatalf("expected created_at to be set")
	}
	if _, ok, _ := s.GetUserByUsername("alice"); !ok {
		t.Fatalf("expected username lookup to succeed")
	}
	if _, ok, _ := s.GetUserByUsername("nobody"); ok {
		t.Fatalf("unexpected user for unknown username")
	}
}

func TestMemoryStoreReadersSequentialIDs(t *testing.T) {
	s := NewMemoryStore()
	r1, err := s.CreateReader("Ann", "ann@example.com")
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}
	r2, err := s.CreateReader("Ben", "ben@example.com")
	if err != nil {
		t.Fatalf("create reader: %v", err)
	}
	if r1.ID != 1 || r2.ID != 2 {
		t.Fatalf("ids = %d,%d want 1,2", r1.ID, r2.ID)
	}
	if _, err := s.CreateReader("Ann again", "ann@example.com"); !errors.Is(err, ErrReaderEmailExists) {
		t.Fatalf("expected ErrReaderEmailExists, got %v", err)
	}
	list, _ := s.ListReaders()
	if len(list) != 2 || list[0].Name != "Ann" || list[1].Name != "Ben" {
		t.Fatalf("unexpected readers: %+v", list)
	}
}

func TestMemoryStoreBooksKeepInsertionOrder(t *testing.T) {
	s := NewMemoryStore()
	for _, id := range []int64{30, 10, 20} {
		if _, err := s.CreateBook(domain.Book{ID: id, Title: "t", Copies: 1}); err != nil {
			t.Fatalf("create book %d: %v", id, err)
		}
	}
	if _, err := s.CreateBook(domain.Book{ID: 10}); !errors.Is(err, ErrBookExists) {
		t.Fatalf("expected ErrBookExists, got %v", err)
	}
	books, _ := s.ListBooks()
	if len(books) != 3 || books[0].ID != 30 || books[1].ID != 10 || books[2].ID != 20 {
		t.Fatalf("unexpected order: %+v", books)
	}
}

func TestMemoryStoreBookSnapshotsAreIsolated(t *testing.T) {
	s := NewMemoryStore()
	year := 1999
	if _, err := s.CreateBook(domain.Book{ID: 1, Year: &year, Copies: 1}); err != nil {
		t.Fatalf("create book: %v", err)
	}
	year = 2024
	got, _, _ := s.GetBook(1)
	if got.Year == nil || *got.Year != 1999 {
		t.Fatalf("stored book aliased caller memory: %+v", got)
	}
	*got.Year = 1
	again, _, _ := s.GetBook(1)
	if *again.Year != 1999 {
		t.Fatalf("returned book aliased store memory")
	}
}

func TestMemoryStoreLoanLifecycle(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.CreateBook(domain.Book{ID: 1, Copies: 1}); err != nil {
		t.Fatalf("create book: %v", err)
	}
	now := time.Now().UTC()

	loan, err := s.CreateLoan(1, 7, now)
	if err != nil {
		t.Fatalf("create loan: %v", err)
	}
	if loan.ID != 1 || !loan.Active() {
		t.Fatalf("unexpected loan: %+v", loan)
	}
	if b, _, _ := s.GetBook(1); b.Copies != 0 {
		t.Fatalf("copies = %d, want 0", b.Copies)
	}
	if _, err := s.CreateLoan(1, 8, now); !errors.Is(err, ErrNoCopies) {
		t.Fatalf("expected ErrNoCopies, got %v", err)
	}
	if _, err := s.CreateLoan(99, 8, now); !errors.Is(err, ErrBookNotFound) {
		t.Fatalf("expected ErrBookNotFound, got %v", err)
	}

	active, _ := s.ListActiveLoansByReader(7)
	if len(active) != 1 {
		t.Fatalf("active loans = %d, want 1", len(active))
	}

	closed, err := s.CloseLoan(loan.ID, now.Add(time.Hour))
	if err != nil {
		t.Fatalf("close loan: %v", err)
	}
	if closed.Active() || closed.Status() != domain.LoanReturned {
		t.Fatalf("loan still active after close: %+v", closed)
	}
	if b, _, _ := s.GetBook(1); b.Copies != 1 {
		t.Fatalf("copies = %d, want 1", b.Copies)
	}
	if _, err := s.CloseLoan(loan.ID, now); !errors.Is(err, ErrLoanClosed) {
		t.Fatalf("expected ErrLoanClosed, got %v", err)
	}
	if _, err := s.CloseLoan(42, now); !errors.Is(err, ErrLoanNotFound) {
		t.Fatalf("expected ErrLoanNotFound, got %v", err)
	}

	all, _ := s.ListLoans()
	if len(all) != 1 || all[0].ReturnDate == nil {
		t.Fatalf("history should keep returned loan: %+v", all)
	}
	if active, _ := s.ListActiveLoansByReader(7); len(active) != 0 {
		t.Fatalf("expected no active loans, got %+v", active)
	}
}

func TestMemoryStoreReset(t *testing.T) {
	s := NewMemoryStore()
	_, _ = s.CreateReader("Ann", "ann@example.com")
	_, _ = s.CreateBook(domain.Book{ID: 1, Copies: 1})
	_, _ = s.CreateLoan(1, 1, time.Now())

	s.Reset()

	if list, _ := s.ListReaders(); len(list) != 0 {
		t.Fatalf("readers survived reset")
	}
	if list, _ := s.ListLoans(); len(list) != 0 {
		t.Fatalf("loans survived reset")
	}
	r, err := s.CreateReader("Ann", "ann@example.com")
	if err != nil || r.ID != 1 {
		t.Fatalf("reader id after reset = %d err=%v", r.ID, err)
	}
}
