package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"medstudy/internal/models"
)

// ErrUnsupportedFile is returned for uploads that are not .pdf or .txt.
var ErrUnsupportedFile = errors.New("only .pdf and .txt files are supported")

func supportedUpload(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".txt":
		return true
	}
	return false
}

type DocumentService struct {
	db        *sql.DB
	uploadDir string
}

func NewDocumentService(db *sql.DB, uploadDir string) *DocumentService {
	return &DocumentService{db: db, uploadDir: uploadDir}
}

// Create stores the upload under a random name and records it as pending.
func (s *DocumentService) Create(ctx context.Context, original string, src io.Reader) (*models.Document, error) {
	if !supportedUpload(original) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFile, original)
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure upload dir: %w", err)
	}

	name := uuid.NewString() + strings.ToLower(filepath.Ext(original))
	storedPath := filepath.Join(s.uploadDir, name)
	out, err := os.Create(storedPath)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	_, err = io.Copy(out, src)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("write file: %w", err)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (original_name, stored_path, status, uploaded_at)
		VALUES (?, ?, ?, ?);
	`, original, storedPath, models.DocumentPending, now)
	if err != nil {
		os.Remove(storedPath)
		return nil, fmt.Errorf("insert document: %w", err)
	}
	id, _ := res.LastInsertId()

	return &models.Document{
		ID:           id,
		OriginalName: original,
		StoredPath:   storedPath,
		Status:       models.DocumentPending,
		UploadedAt:   now,
	}, nil
}

// Finish records the outcome of processing a document.
func (s *DocumentService) Finish(ctx context.Context, doc *models.Document) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET format = ?, page_count = ?, question_count = ?, status = ?, message = ?
		WHERE id = ?;
	`, doc.Format, doc.PageCount, doc.QuestionCount, doc.Status, doc.Message, doc.ID); err != nil {
		return fmt.Errorf("update document %d: %w", doc.ID, err)
	}
	return nil
}

const documentColumns = `id, original_name, stored_path, format, page_count, question_count, status, message, uploaded_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var doc models.Document
	if err := row.Scan(
		&doc.ID,
		&doc.OriginalName,
		&doc.StoredPath,
		&doc.Format,
		&doc.PageCount,
		&doc.QuestionCount,
		&doc.Status,
		&doc.Message,
		&doc.UploadedAt,
	); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (s *DocumentService) GetByID(ctx context.Context, id int64) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?;`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("document %d: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// List returns the most recent uploads first.
func (s *DocumentService) List(ctx context.Context, limit int) ([]models.Document, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY uploaded_at DESC, id DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	docs := []models.Document{}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *doc)
	}
	return docs, rows.Err()
}
