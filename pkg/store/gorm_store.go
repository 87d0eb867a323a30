package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"librarycatalog/pkg/domain"
)

const migrateLockID int64 = 51842219

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

var _ Store = (*GormStore)(nil)

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return newGormStore(db)
}

func newGormStore(db *gorm.DB) (*GormStore, error) {
	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&UserModel{}, &ReaderModel{}, &BookModel{}, &LoanModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// Close releases the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) CreateUser(u domain.User) error {
	model := userToModel(u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := s.db.Create(&model).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrUserEmailExists
	}
	return err
}

func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	return s.firstUser("email = ?", email)
}

func (s *GormStore) GetUserByUsername(username string) (domain.User, bool, error) {
	return s.firstUser("username = ?", username)
}

func (s *GormStore) firstUser(query string, arg any) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where(query, arg).Order("id ASC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

func (s *GormStore) CreateReader(name, email string) (domain.Reader, error) {
	model := ReaderModel{Name: name, Email: email}
	if err := s.db.Create(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.Reader{}, ErrReaderEmailExists
		}
		return domain.Reader{}, err
	}
	return readerFromModel(model), nil
}

func (s *GormStore) GetReader(id int64) (domain.Reader, bool, error) {
	var model ReaderModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Reader{}, false, nil
		}
		return domain.Reader{}, false, err
	}
	return readerFromModel(model), true, nil
}

func (s *GormStore) ListReaders() ([]domain.Reader, error) {
	var models []ReaderModel
	if err := s.db.Order("id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Reader, 0, len(models))
	for _, m := range models {
		res = append(res, readerFromModel(m))
	}
	return res, nil
}

// CreateBook inserts a new book; an existing id is left untouched.
func (s *GormStore) CreateBook(b domain.Book) (domain.Book, error) {
	model := bookToModel(b)
	model.CreatedAt = time.Now().UTC()
	res := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model)
	if res.Error != nil {
		return domain.Book{}, res.Error
	}
	if res.RowsAffected == 0 {
		return domain.Book{}, ErrBookExists
	}
	return bookFromModel(model), nil
}

func (s *GormStore) GetBook(id int64) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns books in insertion order.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Book, 0, len(models))
	for _, m := range models {
		res = append(res, bookFromModel(m))
	}
	return res, nil
}

// CreateLoan decrements copies with a guarded update and inserts the loan in
// the same transaction.
func (s *GormStore) CreateLoan(bookID, readerID int64, at time.Time) (domain.Loan, error) {
	loan := LoanModel{BookID: bookID, ReaderID: readerID, BorrowDate: at.UTC()}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&BookModel{}).
			Where("id = ? AND copies > 0", bookID).
			UpdateColumn("copies", gorm.Expr("copies - 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&BookModel{}).Where("id = ?", bookID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return ErrBookNotFound
			}
			return ErrNoCopies
		}
		return tx.Create(&loan).Error
	})
	if err != nil {
		return domain.Loan{}, err
	}
	return loanFromModel(loan), nil
}

// CloseLoan sets the return date once and restores the copy in one transaction.
func (s *GormStore) CloseLoan(loanID int64, at time.Time) (domain.Loan, error) {
	var loan LoanModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&loan, "id = ?", loanID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		if loan.ReturnDate != nil {
			return ErrLoanClosed
		}
		returned := at.UTC()
		res := tx.Model(&LoanModel{}).
			Where("id = ? AND return_date IS NULL", loanID).
			UpdateColumn("return_date", returned)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrLoanClosed
		}
		loan.ReturnDate = &returned
		return tx.Model(&BookModel{}).
			Where("id = ?", loan.BookID).
			UpdateColumn("copies", gorm.Expr("copies + 1")).Error
	})
	if err != nil {
		return domain.Loan{}, err
	}
	return loanFromModel(loan), nil
}

func (s *GormStore) ListActiveLoansByReader(readerID int64) ([]domain.Loan, error) {
	return s.listLoans("reader_id = ? AND return_date IS NULL", readerID)
}

func (s *GormStore) ListLoans() ([]domain.Loan, error) {
	return s.listLoans()
}

func (s *GormStore) listLoans(conds ...any) ([]domain.Loan, error) {
	var models []LoanModel
	tx := s.db.Order("id ASC")
	if len(conds) > 0 {
		tx = tx.Where(conds[0], conds[1:]...)
	}
	if err := tx.Find(&models).Error; err != nil {
		return nil, err
	}
	res := make([]domain.Loan, 0, len(models))
	for _, m := range models {
		res = append(res, loanFromModel(m))
	}
	return res, nil
}
