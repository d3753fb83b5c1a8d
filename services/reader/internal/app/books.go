package app

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ledongthuc/pdf"

	"readvoice/internal/util"
	"readvoice/pkg/domain"
	"readvoice/pkg/storage"
)

// RegisterBook stores an uploaded PDF and records the book under the
// uploader. The page count is read from the document; an unparsable PDF is
// still accepted with a count of zero.
func (a *App) RegisterBook(ctx context.Context, userID, title string, document []byte) (domain.Book, error) {
	if strings.TrimSpace(title) == "" {
		return domain.Book{}, fmt.Errorf("%w: title required", domain.ErrValidation)
	}
	if len(document) == 0 {
		return domain.Book{}, fmt.Errorf("%w: document required", domain.ErrValidation)
	}

	bookID := util.NewID()
	objectKey := storage.ObjectKey("books", userID, bookID, "book.pdf")
	if _, err := a.objects.Put(ctx, objectKey, bytes.NewReader(document), int64(len(document)), "application/pdf"); err != nil {
		return domain.Book{}, fmt.Errorf("store book document: %w", err)
	}

	now := nowUTC()
	book := domain.Book{
		ID:         bookID,
		OwnerID:    userID,
		Title:      title,
		StorageKey: objectKey,
		PageCount:  countPDFPages(ctx, document),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := a.store.SaveBook(book); err != nil {
		return domain.Book{}, fmt.Errorf("save book: %w", err)
	}
	return book, nil
}

// ListBooks returns the requester's own books.
func (a *App) ListBooks(userID string) ([]domain.Book, error) {
	books, err := a.store.ListBooksByOwner(userID)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	return books, nil
}

// ShareBook grants another user read access to a book through their library.
func (a *App) ShareBook(userID, bookID, granteeID string) error {
	book, ok, err := a.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return domain.ErrBookNotFound
	}
	if book.OwnerID != userID {
		return domain.ErrAccessDenied
	}
	if strings.TrimSpace(granteeID) == "" {
		return fmt.Errorf("%w: grantee required", domain.ErrValidation)
	}
	if err := a.store.AddLibraryEntry(granteeID, bookID); err != nil {
		return fmt.Errorf("add library entry: %w", err)
	}
	return nil
}

func countPDFPages(ctx context.Context, document []byte) int {
	reader, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		util.LoggerFromContext(ctx).Warn("pdf page count failed", slog.String("error", err.Error()))
		return 0
	}
	return reader.NumPage()
}
