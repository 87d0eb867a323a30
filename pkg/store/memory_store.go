package store

import (
	"sync"
	"time"

	"librarycatalog/pkg/domain"
)

// MemoryStore keeps the catalog in process memory. It is the default backend
// and the one tests run against.
type MemoryStore struct {
	mu sync.RWMutex

	users      []domain.User
	userEmails map[string]int // email -> index into users

	readers      map[int64]domain.Reader
	readerOrder  []int64
	readerEmails map[string]int64
	nextReaderID int64

	books     map[int64]domain.Book
	bookOrder []int64

	loans      []domain.Loan // append-only, index = ID-1
	nextLoanID int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	m.reset()
	return m
}

// Reset drops every record and restarts id sequences at 1.
func (m *MemoryStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *MemoryStore) reset() {
	m.users = nil
	m.userEmails = make(map[string]int)
	m.readers = make(map[int64]domain.Reader)
	m.readerOrder = nil
	m.readerEmails = make(map[string]int64)
	m.nextReaderID = 1
	m.books = make(map[int64]domain.Book)
	m.bookOrder = nil
	m.loans = nil
	m.nextLoanID = 1
}

func (m *MemoryStore) CreateUser(u domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.userEmails[u.Email]; exists {
		return ErrUserEmailExists
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	m.userEmails[u.Email] = len(m.users)
	m.users = append(m.users, u)
	return nil
}

func (m *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.userEmails[email]
	if !ok {
		return domain.User{}, false, nil
	}
	return m.users[idx], true, nil
}

// GetUserByUsername returns the earliest registered user with that username.
func (m *MemoryStore) GetUserByUsername(username string) (domain.User, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (m *MemoryStore) CreateReader(name, email string) (domain.Reader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.readerEmails[email]; exists {
		return domain.Reader{}, ErrReaderEmailExists
	}
	r := domain.Reader{ID: m.nextReaderID, Name: name, Email: email}
	m.nextReaderID++
	m.readers[r.ID] = r
	m.readerOrder = append(m.readerOrder, r.ID)
	m.readerEmails[email] = r.ID
	return r, nil
}

func (m *MemoryStore) GetReader(id int64) (domain.Reader, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.readers[id]
	return r, ok, nil
}

// ListReaders returns readers in insertion order.
func (m *MemoryStore) ListReaders() ([]domain.Reader, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Reader, 0, len(m.readerOrder))
	for _, id := range m.readerOrder {
		res = append(res, m.readers[id])
	}
	return res, nil
}

func (m *MemoryStore) CreateBook(b domain.Book) (domain.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; exists {
		return domain.Book{}, ErrBookExists
	}
	b = cloneBook(b)
	m.books[b.ID] = b
	m.bookOrder = append(m.bookOrder, b.ID)
	return cloneBook(b), nil
}

func (m *MemoryStore) GetBook(id int64) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	if !ok {
		return domain.Book{}, false, nil
	}
	return cloneBook(b), true, nil
}

// ListBooks returns books in insertion order.
func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Book, 0, len(m.bookOrder))
	for _, id := range m.bookOrder {
		res = append(res, cloneBook(m.books[id]))
	}
	return res, nil
}

// CreateLoan takes one copy off the shelf and records an active loan.
func (m *MemoryStore) CreateLoan(bookID, readerID int64, at time.Time) (domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[bookID]
	if !ok {
		return domain.Loan{}, ErrBookNotFound
	}
	if book.Copies <= 0 {
		return domain.Loan{}, ErrNoCopies
	}
	book.Copies--
	m.books[bookID] = book

	loan := domain.Loan{
		ID:         m.nextLoanID,
		BookID:     bookID,
		ReaderID:   readerID,
		BorrowDate: at,
	}
	m.nextLoanID++
	m.loans = append(m.loans, loan)
	return loan, nil
}

// CloseLoan stamps the return date and puts the copy back.
func (m *MemoryStore) CloseLoan(loanID int64, at time.Time) (domain.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := loanID - 1
	if idx < 0 || idx >= int64(len(m.loans)) {
		return domain.Loan{}, ErrLoanNotFound
	}
	loan := m.loans[idx]
	if !loan.Active() {
		return domain.Loan{}, ErrLoanClosed
	}
	ts := at
	loan.ReturnDate = &ts
	m.loans[idx] = loan
	if book, ok := m.books[loan.BookID]; ok {
		book.Copies++
		m.books[loan.BookID] = book
	}
	return cloneLoan(loan), nil
}

// ListActiveLoansByReader returns the reader's active loans ordered by id.
func (m *MemoryStore) ListActiveLoansByReader(readerID int64) ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []domain.Loan
	for _, l := range m.loans {
		if l.ReaderID == readerID && l.Active() {
			res = append(res, l)
		}
	}
	return res, nil
}

// ListLoans returns every loan, active or returned, ordered by id.
func (m *MemoryStore) ListLoans() ([]domain.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Loan, 0, len(m.loans))
	for _, l := range m.loans {
		res = append(res, cloneLoan(l))
	}
	return res, nil
}

func cloneBook(b domain.Book) domain.Book {
	if b.Year != nil {
		y := *b.Year
		b.Year = &y
	}
	if b.ISBN != nil {
		s := *b.ISBN
		b.ISBN = &s
	}
	return b
}

func cloneLoan(l domain.Loan) domain.Loan {
	if l.ReturnDate != nil {
		ts := *l.ReturnDate
		l.ReturnDate = &ts
	}
	return l
}
