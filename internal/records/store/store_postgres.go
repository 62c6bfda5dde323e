package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"docket/internal/platform/database"
	"docket/internal/records/models"
	"docket/pkg/platform/sentinel"
)

const summaryColumns = `id, name, date, place, number, letter_number, other,
	attachment_mime_type, attachment IS NOT NULL AS has_attachment`

const (
	listQuery = `SELECT ` + summaryColumns + `
		FROM records
		ORDER BY date DESC NULLS LAST`

	// ILIKE uses backslash as its default escape character; filters are
	// escaped so they match as literal substrings.
	searchQuery = `SELECT ` + summaryColumns + `
		FROM records
		WHERE id ILIKE $1
			OR name ILIKE $1
			OR to_char(date, 'YYYY-MM-DD') ILIKE $1
			OR place ILIKE $1
			OR number ILIKE $1
			OR letter_number ILIKE $1
			OR other ILIKE $1
		ORDER BY date DESC NULLS LAST`

	streamQuery = `SELECT id, name, date, place, number, letter_number, other,
			attachment, attachment_mime_type
		FROM records`
)

// PostgresStore persists records, attachments inline, in PostgreSQL.
//
// Every operation checks out one connection from the pool and returns it
// before the call ends, whatever the outcome.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgres constructs a PostgreSQL-backed record store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w: %w", sentinel.ErrUnavailable, err)
	}
	defer conn.Close()
	return fn(conn)
}

func (s *PostgresStore) List(ctx context.Context, filter string) ([]models.Summary, error) {
	var out []models.Summary
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var (
			rows *sql.Rows
			err  error
		)
		if filter == "" {
			rows, err = conn.QueryContext(ctx, listQuery)
		} else {
			rows, err = conn.QueryContext(ctx, searchQuery, likePattern(filter))
		}
		if err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				summary models.Summary
				date    sql.NullTime
				mime    sql.NullString
			)
			if err := rows.Scan(
				&summary.ID,
				&summary.Name,
				&date,
				&summary.Place,
				&summary.Number,
				&summary.LetterNumber,
				&summary.Other,
				&mime,
				&summary.AttachmentAvailable,
			); err != nil {
				return fmt.Errorf("scan record summary: %w", err)
			}
			if date.Valid {
				summary.Date = models.DateOnly(date.Time)
			}
			summary.AttachmentMimeType = mime.String
			out = append(out, summary)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list records: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	var att *models.Attachment
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		var (
			data []byte
			mime sql.NullString
		)
		err := conn.QueryRowContext(ctx,
			`SELECT attachment, attachment_mime_type FROM records WHERE id = $1`, id,
		).Scan(&data, &mime)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("get attachment: %w", err)
		}
		if data == nil {
			return ErrNotFound
		}
		att = &models.Attachment{Data: data, MimeType: mime.String}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return att, nil
}

func (s *PostgresStore) Create(ctx context.Context, rec *models.Record) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		data, mime := attachmentArgs(rec.Attachment)
		_, err := conn.ExecContext(ctx, `
			INSERT INTO records (id, name, date, place, number, letter_number, other, attachment, attachment_mime_type)
			VALUES ($1, $2, $3::date, $4, $5, $6, $7, $8, $9)`,
			rec.ID, rec.Name, dateArg(rec.Metadata), rec.Place, rec.Number, rec.LetterNumber, rec.Other,
			data, mime,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("create record %q: %w", rec.ID, ErrDuplicateID)
			}
			return fmt.Errorf("create record: %w", err)
		}
		return nil
	})
}

// Update replaces metadata and, when attachment is non-nil, the attachment
// pair. A nil attachment leaves the stored one untouched.
func (s *PostgresStore) Update(ctx context.Context, id string, meta models.Metadata, attachment *models.Attachment) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		var (
			res sql.Result
			err error
		)
		if attachment == nil {
			res, err = conn.ExecContext(ctx, `
				UPDATE records
				SET name = $1, date = $2::date, place = $3, number = $4, letter_number = $5, other = $6
				WHERE id = $7`,
				meta.Name, dateArg(meta), meta.Place, meta.Number, meta.LetterNumber, meta.Other, id,
			)
		} else {
			res, err = conn.ExecContext(ctx, `
				UPDATE records
				SET name = $1, date = $2::date, place = $3, number = $4, letter_number = $5, other = $6,
					attachment = $7, attachment_mime_type = $8
				WHERE id = $9`,
				meta.Name, dateArg(meta), meta.Place, meta.Number, meta.LetterNumber, meta.Other,
				attachment.Data, attachment.MimeType, id,
			)
		}
		if err != nil {
			return fmt.Errorf("update record: %w", err)
		}
		return requireAffected(res, "update record")
	})
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM records WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("delete record: %w", err)
		}
		return requireAffected(res, "delete record")
	})
}

// Stream runs one query over all records and hands each row, attachment
// included, to fn as it is read. Returning an error from fn stops the scan;
// the rows and the connection are released before Stream returns.
func (s *PostgresStore) Stream(ctx context.Context, fn func(*models.Record) error) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, streamQuery)
		if err != nil {
			return fmt.Errorf("stream records: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				rec  models.Record
				date sql.NullTime
				data []byte
				mime sql.NullString
			)
			if err := rows.Scan(
				&rec.ID,
				&rec.Name,
				&date,
				&rec.Place,
				&rec.Number,
				&rec.LetterNumber,
				&rec.Other,
				&data,
				&mime,
			); err != nil {
				return fmt.Errorf("scan record: %w", err)
			}
			if date.Valid {
				rec.Date = models.DateOnly(date.Time)
			}
			if data != nil {
				rec.Attachment = &models.Attachment{Data: data, MimeType: mime.String}
			}
			if err := fn(&rec); err != nil {
				return err
			}
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("stream records: %w", err)
		}
		return nil
	})
}

func requireAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func dateArg(meta models.Metadata) sql.NullString {
	if meta.Date.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: models.FormatDate(meta.Date), Valid: true}
}

// attachmentArgs keeps NULL for both columns when there is no attachment.
func attachmentArgs(att *models.Attachment) (any, any) {
	if att == nil {
		return nil, nil
	}
	return att.Data, att.MimeType
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func likePattern(filter string) string {
	return "%" + likeEscaper.Replace(filter) + "%"
}
