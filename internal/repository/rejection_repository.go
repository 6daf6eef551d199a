package repository

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"titan/internal/models"
)

// Ошибки репозитория отклонений
var (
	ErrRejectionNotFound = errors.New("rejection not found")
)

const rejectionColumns = `id, command_id, correlation_id, producer, symbol, kind, reason_code, detail, mode, ts`

// RejectionRepository - работа с таблицей rejections
type RejectionRepository struct {
	db *sql.DB
}

// NewRejectionRepository создает новый экземпляр репозитория
func NewRejectionRepository(db *sql.DB) *RejectionRepository {
	return &RejectionRepository{db: db}
}

// Create записывает событие отклонения. Повторная запись того же id игнорируется
// (аудит пишется с повторами, вставка должна быть идемпотентной).
func (r *RejectionRepository) Create(ev *models.RejectionEvent) error {
	query := `
		INSERT INTO rejections (` + rejectionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	_, err := r.db.Exec(
		query,
		ev.ID,
		ev.CommandID,
		ev.CorrelationID,
		ev.Producer,
		ev.Symbol,
		ev.Kind,
		string(ev.Reason),
		ev.Detail,
		ev.Mode,
		ev.Timestamp,
	)
	return err
}

// GetRecent возвращает последние N отклонений, новые первыми
func (r *RejectionRepository) GetRecent(limit int) ([]*models.RejectionEvent, error) {
	query := `
		SELECT ` + rejectionColumns + `
		FROM rejections
		ORDER BY ts DESC
		LIMIT $1`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRejections(rows)
}

// GetByCommandID возвращает последнее отклонение конверта
func (r *RejectionRepository) GetByCommandID(commandID string) (*models.RejectionEvent, error) {
	query := `
		SELECT ` + rejectionColumns + `
		FROM rejections
		WHERE command_id = $1
		ORDER BY ts DESC
		LIMIT 1`

	ev := &models.RejectionEvent{}
	err := scanRejection(r.db.QueryRow(query, commandID), ev)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRejectionNotFound
		}
		return nil, err
	}
	return ev, nil
}

// CountByReason считает отклонения с момента since по кодам причин.
// Пустой reasons - все коды.
func (r *RejectionRepository) CountByReason(since time.Time, reasons ...models.ReasonCode) (map[models.ReasonCode]int, error) {
	query := `
		SELECT reason_code, COUNT(*)
		FROM rejections
		WHERE ts >= $1`
	args := []interface{}{since}

	if len(reasons) > 0 {
		codes := make([]string, len(reasons))
		for i, rc := range reasons {
			codes[i] = string(rc)
		}
		query += ` AND reason_code = ANY($2)`
		args = append(args, pq.Array(codes))
	}
	query += ` GROUP BY reason_code`

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.ReasonCode]int)
	for rows.Next() {
		var code string
		var n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		counts[models.ReasonCode(code)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return counts, nil
}

// DeleteOlderThan - ретенция журнала
func (r *RejectionRepository) DeleteOlderThan(before time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM rejections WHERE ts < $1`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRejection(row rowScanner, ev *models.RejectionEvent) error {
	var reason string
	err := row.Scan(
		&ev.ID,
		&ev.CommandID,
		&ev.CorrelationID,
		&ev.Producer,
		&ev.Symbol,
		&ev.Kind,
		&reason,
		&ev.Detail,
		&ev.Mode,
		&ev.Timestamp,
	)
	ev.Reason = models.ReasonCode(reason)
	return err
}

func scanRejections(rows *sql.Rows) ([]*models.RejectionEvent, error) {
	var out []*models.RejectionEvent
	for rows.Next() {
		ev := &models.RejectionEvent{}
		if err := scanRejection(rows, ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
