package store

import (
	"time"

	"librarycatalog/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"not null;index"`
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"`
	CreatedAt    time.Time
}

type ReaderModel struct {
	ID    int64  `gorm:"primaryKey;autoIncrement"`
	Name  string `gorm:"not null"`
	Email string `gorm:"uniqueIndex;not null"`
}

type BookModel struct {
	ID        int64  `gorm:"primaryKey;autoIncrement:false"`
	Title     string `gorm:"not null"`
	Author    string `gorm:"not null"`
	Year      *int
	ISBN      *string
	Copies    int       `gorm:"not null;check:copies >= 0"`
	CreatedAt time.Time `gorm:"not null"`
}

type LoanModel struct {
	ID         int64     `gorm:"primaryKey;autoIncrement"`
	BookID     int64     `gorm:"not null;index"`
	ReaderID   int64     `gorm:"not null;index"`
	BorrowDate time.Time `gorm:"not null"`
	ReturnDate *time.Time
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		Username:     u.Username,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		Username:     m.Username,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func readerFromModel(m ReaderModel) domain.Reader {
	return domain.Reader{ID: m.ID, Name: m.Name, Email: m.Email}
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:     b.ID,
		Title:  b.Title,
		Author: b.Author,
		Year:   b.Year,
		ISBN:   b.ISBN,
		Copies: b.Copies,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:     m.ID,
		Title:  m.Title,
		Author: m.Author,
		Year:   m.Year,
		ISBN:   m.ISBN,
		Copies: m.Copies,
	}
}

func loanFromModel(m LoanModel) domain.Loan {
	loan := domain.Loan{
		ID:         m.ID,
		BookID:     m.BookID,
		ReaderID:   m.ReaderID,
		BorrowDate: m.BorrowDate,
	}
	if m.ReturnDate != nil {
		ts := *m.ReturnDate
		loan.ReturnDate = &ts
	}
	return loan
}
