package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"librarycatalog/internal/util"
	"librarycatalog/pkg/auth"
	"librarycatalog/pkg/domain"
	"librarycatalog/pkg/notify"
	"librarycatalog/pkg/store"
)

// SessionIssuer issues and validates bearer tokens.
type SessionIssuer interface {
	IssueToken(subject string, ttl time.Duration) (string, error)
	ValidateToken(token string) (string, error)
}

// Notifier accepts notifications for asynchronous delivery.
type Notifier interface {
	Enqueue(ctx context.Context, msg notify.Message) error
}

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL         string
	SessionTTL          time.Duration
	JWTSecret           string
	JWTPrivateKeyPath   string
	JWTPublicKeyPath    string
	JWTKeyID            string
	JWTVerifyPublicKeys map[string]string
	JWTIssuer           string
	JWTAudience         string
	JWTLeeway           time.Duration
	BcryptCost          int
	MaxActiveLoans      int
	AllowDuplicateLoans bool

	Store    store.Store
	Sessions SessionIssuer
	Notifier Notifier
	Now      func() time.Time
}

// App is the catalog service core: accounts, readers, books and lending.
type App struct {
	store      store.Store
	sessions   SessionIssuer
	hasher     auth.Hasher
	notifier   Notifier
	lending    *LendingEngine
	sessionTTL time.Duration
}

// New constructs the application. Without an injected store it uses Postgres
// when DatabaseURL is set and an in-memory store otherwise.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			dataStore = store.NewMemoryStore()
		} else {
			gormStore, err := store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
			dataStore = gormStore
		}
	}

	sessions := cfg.Sessions
	if sessions == nil {
		jwtOpts := store.JWTOptions{
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   cfg.JWTLeeway,
			TTL:      cfg.SessionTTL,
		}
		switch {
		case strings.TrimSpace(cfg.JWTPrivateKeyPath) != "":
			rs, err := store.NewRS256SessionIssuerFromPEM(
				cfg.JWTPrivateKeyPath,
				cfg.JWTPublicKeyPath,
				cfg.JWTKeyID,
				cfg.JWTVerifyPublicKeys,
				jwtOpts,
			)
			if err != nil {
				return nil, fmt.Errorf("init rs256 session issuer: %w", err)
			}
			sessions = rs
		case strings.TrimSpace(cfg.JWTSecret) != "":
			hs, err := store.NewHS256SessionIssuer(cfg.JWTSecret, jwtOpts)
			if err != nil {
				return nil, fmt.Errorf("init hs256 session issuer: %w", err)
			}
			sessions = hs
		default:
			return nil, errors.New("jwtSecret or jwtPrivateKeyPath is required")
		}
	}

	return &App{
		store:    dataStore,
		sessions: sessions,
		hasher:   auth.NewHasher(cfg.BcryptCost),
		notifier: cfg.Notifier,
		lending: NewLendingEngine(dataStore, LendingOptions{
			MaxActiveLoans:      cfg.MaxActiveLoans,
			AllowDuplicateLoans: cfg.AllowDuplicateLoans,
			Now:                 cfg.Now,
		}),
		sessionTTL: cfg.SessionTTL,
	}, nil
}

// RegisterUser creates an account and sends a welcome mail.
func (a *App) RegisterUser(ctx context.Context, username, email, password string) (domain.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(email)
	if username == "" || email == "" || password == "" {
		return domain.User{}, invalidRequest("username, email and password are required")
	}
	_, exists, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, ErrDuplicateEmail
	}
	hash, err := a.hasher.Hash(password)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return domain.User{}, invalidRequest("Password must be at most 72 bytes.")
	}
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.CreateUser(user); err != nil {
		if errors.Is(err, store.ErrUserEmailExists) {
			return domain.User{}, ErrDuplicateEmail
		}
		return domain.User{}, fmt.Errorf("save user: %w", err)
	}
	util.LoggerFromContext(ctx).Info("user registered", "username", user.Username)
	a.notify(ctx, notify.Welcome(user.Email))
	return user, nil
}

// Login checks credentials and returns a bearer token whose subject is the
// username. The login name is matched against email first, then username.
func (a *App) Login(ctx context.Context, username, password string) (string, error) {
	login := strings.TrimSpace(username)
	if login == "" || password == "" {
		return "", ErrInvalidCredentials
	}
	user, ok, err := a.store.GetUserByEmail(login)
	if err != nil {
		return "", fmt.Errorf("lookup user: %w", err)
	}
	if !ok {
		user, ok, err = a.store.GetUserByUsername(login)
		if err != nil {
			return "", fmt.Errorf("lookup user: %w", err)
		}
	}
	if !ok || !a.hasher.Verify(password, user.PasswordHash) {
		util.LoggerFromContext(ctx).Info("login rejected")
		return "", ErrInvalidCredentials
	}
	token, err := a.sessions.IssueToken(user.Username, a.sessionTTL)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// Authenticate resolves a bearer token to its subject. Every failure is
// reported as ErrUnauthenticated.
func (a *App) Authenticate(token string) (string, error) {
	subject, err := a.sessions.ValidateToken(token)
	if err != nil {
		slog.Debug("token rejected", "err", err)
		return "", ErrUnauthenticated
	}
	return subject, nil
}

func (a *App) AddReader(ctx context.Context, name, email string) (domain.Reader, error) {
	name = strings.TrimSpace(name)
	email = strings.TrimSpace(email)
	if name == "" || email == "" {
		return domain.Reader{}, invalidRequest("name and email are required")
	}
	reader, err := a.store.CreateReader(name, email)
	if err != nil {
		if errors.Is(err, store.ErrReaderEmailExists) {
			return domain.Reader{}, ErrDuplicateEmail
		}
		return domain.Reader{}, fmt.Errorf("save reader: %w", err)
	}
	util.LoggerFromContext(ctx).Info("reader added", "reader_id", reader.ID)
	return reader, nil
}

func (a *App) ListReaders(ctx context.Context) ([]domain.Reader, error) {
	readers, err := a.store.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	if readers == nil {
		readers = []domain.Reader{}
	}
	return readers, nil
}

// AddBook adds a catalog entry with a caller-chosen id.
func (a *App) AddBook(ctx context.Context, book domain.Book) (domain.Book, error) {
	if book.Copies < 0 {
		return domain.Book{}, ErrInvalidCopies
	}
	book.Title = strings.TrimSpace(book.Title)
	book.Author = strings.TrimSpace(book.Author)
	if book.Title == "" || book.Author == "" {
		return domain.Book{}, invalidRequest("title and author are required")
	}
	created, err := a.store.CreateBook(book)
	if err != nil {
		if errors.Is(err, store.ErrBookExists) {
			return domain.Book{}, ErrDuplicateBookID
		}
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	util.LoggerFromContext(ctx).Info("book added", "book_id", created.ID, "copies", created.Copies)
	return created, nil
}

func (a *App) ListBooks(ctx context.Context) ([]domain.Book, error) {
	books, err := a.store.ListBooks()
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	if books == nil {
		books = []domain.Book{}
	}
	return books, nil
}

// Borrow lends a book to a reader and, once the loan is recorded, mails the
// reader if they are known.
func (a *App) Borrow(ctx context.Context, bookID, readerID int64) (domain.Loan, error) {
	loan, book, err := a.lending.Borrow(bookID, readerID)
	if err != nil {
		return domain.Loan{}, err
	}
	util.LoggerFromContext(ctx).Info("book borrowed", "book_id", bookID, "reader_id", readerID, "loan_id", loan.ID)

	reader, ok, err := a.store.GetReader(readerID)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("lookup reader for notification", "reader_id", readerID, "err", err)
		return loan, nil
	}
	if ok {
		a.notify(ctx, notify.BookBorrowed(reader.Email, book.Title))
	}
	return loan, nil
}

func (a *App) Return(ctx context.Context, bookID, readerID int64) (domain.Loan, error) {
	loan, err := a.lending.Return(bookID, readerID)
	if err != nil {
		return domain.Loan{}, err
	}
	util.LoggerFromContext(ctx).Info("book returned", "book_id", bookID, "reader_id", readerID, "loan_id", loan.ID)
	return loan, nil
}

// ListActiveLoans returns the reader's active loans ordered by id.
func (a *App) ListActiveLoans(ctx context.Context, readerID int64) ([]domain.Loan, error) {
	return a.lending.ActiveLoans(readerID)
}

// Close releases the store when it holds external resources.
func (a *App) Close() error {
	if closer, ok := a.store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (a *App) notify(ctx context.Context, msg notify.Message) {
	if a.notifier == nil {
		return
	}
	if err := a.notifier.Enqueue(ctx, msg); err != nil {
		util.LoggerFromContext(ctx).Warn("notification not queued", "subject", msg.Subject, "err", err)
	}
}
