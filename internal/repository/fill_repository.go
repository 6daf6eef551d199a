package repository

import (
	"database/sql"
	"time"

	"titan/internal/models"
)

// FillRepository - журнал подтвержденных исполнений.
// Источник для Restore теневого состояния после рестарта.
type FillRepository struct {
	db *sql.DB
}

// NewFillRepository создает новый экземпляр репозитория
func NewFillRepository(db *sql.DB) *FillRepository {
	return &FillRepository{db: db}
}

// Append добавляет fill. Повторный fill_id не пишется, inserted == false.
func (r *FillRepository) Append(f models.Fill) (inserted bool, err error) {
	query := `
		INSERT INTO fills (fill_id, order_id, symbol, side, size, price, fee, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (fill_id) DO NOTHING`

	ts := f.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	res, err := r.db.Exec(query, f.FillID, f.OrderID, f.Symbol, string(f.Side), f.Size, f.Price, f.Fee, ts)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ListSince возвращает fill начиная с since в порядке времени
func (r *FillRepository) ListSince(since time.Time) ([]models.Fill, error) {
	query := `
		SELECT fill_id, order_id, symbol, side, size, price, fee, ts
		FROM fills
		WHERE ts >= $1
		ORDER BY ts ASC, fill_id ASC`

	rows, err := r.db.Query(query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []models.Fill
	for rows.Next() {
		var f models.Fill
		var side string
		if err := rows.Scan(&f.FillID, &f.OrderID, &f.Symbol, &side, &f.Size, &f.Price, &f.Fee, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Side = models.Side(side)
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return fills, nil
}
