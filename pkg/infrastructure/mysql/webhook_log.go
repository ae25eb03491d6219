package mysql

import (
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/skalacodebr/carplus/pkg/domain/model"
)

// WebhookLogRepository persists the raw gateway notifications, applied or
// not, for forensic replay. Rows are append-only.
type WebhookLogRepository struct {
	db *sqlx.DB
}

func NewWebhookLogRepository(db *sqlx.DB) *WebhookLogRepository {
	return &WebhookLogRepository{db: db}
}

type webhookLogRow struct {
	ID        string         `db:"id"`
	Provider  string         `db:"provider"`
	Event     string         `db:"event"`
	Payload   []byte         `db:"payload"`
	OrderID   sql.NullString `db:"pedido_id"`
	Outcome   string         `db:"outcome"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *WebhookLogRepository) Record(entry *model.WebhookLog) error {
	row := webhookLogRow{
		ID:        entry.ID.String(),
		Provider:  entry.Provider,
		Event:     entry.Event,
		Payload:   entry.Payload,
		Outcome:   string(entry.Outcome),
		CreatedAt: entry.CreatedAt,
	}
	if entry.OrderID != nil {
		row.OrderID = sql.NullString{String: entry.OrderID.String(), Valid: true}
	}

	_, err := r.db.NamedExec(`
		INSERT INTO webhook_logs (id, provider, event, payload, pedido_id, outcome, created_at)
		VALUES (:id, :provider, :event, :payload, :pedido_id, :outcome, :created_at)`,
		row)
	return errors.Wrap(err, "record webhook log")
}
