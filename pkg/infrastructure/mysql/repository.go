// Package mysql implements the order store over MySQL with sqlx. The order
// row carries an optimistic version; updates that lose the version race
// surface model.ErrOptimisticLock so the caller can retry with fresh state.
package mysql

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/skalacodebr/carplus/pkg/domain/model"
)

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

func (r *OrderRepository) NextID() (uuid.UUID, error) {
	return uuid.New(), nil
}

type orderRow struct {
	ID                string         `db:"id"`
	Number            string         `db:"numero"`
	CustomerID        string         `db:"cliente_id"`
	PaymentState      string         `db:"pagamento_status"`
	FulfillmentState  sql.NullString `db:"status_detalhado"`
	DeliveryMethod    string         `db:"tipo_entrega"`
	PaymentMethod     string         `db:"metodo_pagamento"`
	ExternalPaymentID string         `db:"pagamento_id"`
	PaymentURL        string         `db:"pagamento_url"`
	TotalCents        int64          `db:"valor_total"`
	ShippingCents     int64          `db:"valor_frete"`
	Version           int            `db:"version"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	DeliveredAt       sql.NullTime   `db:"delivered_at"`
}

type itemRow struct {
	ID          string `db:"id"`
	OrderID     string `db:"pedido_id"`
	ProductID   string `db:"produto_id"`
	Description string `db:"descricao"`
	Quantity    int    `db:"quantidade"`
	PriceCents  int64  `db:"preco"`
}

type historyRow struct {
	ID                   string         `db:"id"`
	OrderID              string         `db:"pedido_id"`
	PreviousPaymentState sql.NullString `db:"status_anterior"`
	NewPaymentState      string         `db:"status_novo"`
	PreviousFulfillment  sql.NullString `db:"status_detalhado_anterior"`
	NewFulfillment       sql.NullString `db:"status_detalhado_novo"`
	Note                 string         `db:"descricao"`
	Source               string         `db:"origem"`
	ActorID              sql.NullString `db:"ator_id"`
	CreatedAt            time.Time      `db:"created_at"`
}

func (r *OrderRepository) Create(order *model.Order) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return errors.Wrap(err, "begin create order")
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.NamedExec(`
		INSERT INTO pedidos (id, numero, cliente_id, pagamento_status, status_detalhado,
			tipo_entrega, metodo_pagamento, pagamento_id, pagamento_url,
			valor_total, valor_frete, version, created_at, updated_at, delivered_at)
		VALUES (:id, :numero, :cliente_id, :pagamento_status, :status_detalhado,
			:tipo_entrega, :metodo_pagamento, :pagamento_id, :pagamento_url,
			:valor_total, :valor_frete, :version, :created_at, :updated_at, :delivered_at)`,
		toOrderRow(order))
	if err != nil {
		return errors.Wrap(err, "insert order")
	}

	for _, item := range order.Items {
		_, err = tx.NamedExec(`
			INSERT INTO pedido_itens (id, pedido_id, produto_id, descricao, quantidade, preco)
			VALUES (:id, :pedido_id, :produto_id, :descricao, :quantidade, :preco)`,
			itemRow{
				ID:          item.ID.String(),
				OrderID:     order.ID.String(),
				ProductID:   item.ProductID.String(),
				Description: item.Description,
				Quantity:    item.Quantity,
				PriceCents:  item.PriceCents,
			})
		if err != nil {
			return errors.Wrap(err, "insert order item")
		}
	}

	return errors.Wrap(tx.Commit(), "commit create order")
}

func (r *OrderRepository) Find(id uuid.UUID) (*model.Order, error) {
	return r.findOneBy("id = ?", id.String())
}

func (r *OrderRepository) FindByNumber(number string) (*model.Order, error) {
	return r.findOneBy("numero = ?", number)
}

func (r *OrderRepository) FindByExternalPaymentID(externalPaymentID string) (*model.Order, error) {
	return r.findOneBy("pagamento_id = ?", externalPaymentID)
}

func (r *OrderRepository) findOneBy(where string, arg interface{}) (*model.Order, error) {
	var row orderRow
	err := r.db.Get(&row, `
		SELECT id, numero, cliente_id, pagamento_status, status_detalhado,
			tipo_entrega, metodo_pagamento, pagamento_id, pagamento_url,
			valor_total, valor_frete, version, created_at, updated_at, delivered_at
		FROM pedidos WHERE `+where, arg)
	if err == sql.ErrNoRows {
		return nil, model.ErrOrderNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select order")
	}

	order, err := fromOrderRow(&row)
	if err != nil {
		return nil, err
	}

	var items []itemRow
	err = r.db.Select(&items, `
		SELECT id, pedido_id, produto_id, descricao, quantidade, preco
		FROM pedido_itens WHERE pedido_id = ? ORDER BY id`, row.ID)
	if err != nil {
		return nil, errors.Wrap(err, "select order items")
	}
	for _, item := range items {
		itemID, parseErr := uuid.Parse(item.ID)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "parse item id")
		}
		productID, parseErr := uuid.Parse(item.ProductID)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "parse product id")
		}
		order.Items = append(order.Items, model.OrderItem{
			ID:          itemID,
			ProductID:   productID,
			Description: item.Description,
			Quantity:    item.Quantity,
			PriceCents:  item.PriceCents,
		})
	}
	return order, nil
}

// Update persists the order row guarded by the previous version. Items are
// immutable after creation and are not touched here.
func (r *OrderRepository) Update(order *model.Order) error {
	row := toOrderRow(order)
	res, err := r.db.NamedExec(`
		UPDATE pedidos SET
			pagamento_status = :pagamento_status,
			status_detalhado = :status_detalhado,
			pagamento_url = :pagamento_url,
			version = :version,
			updated_at = :updated_at,
			delivered_at = :delivered_at
		WHERE id = :id AND version = :version - 1`, row)
	if err != nil {
		return errors.Wrap(err, "update order")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "update order rows affected")
	}
	if affected == 0 {
		return model.ErrOptimisticLock
	}
	return nil
}

func (r *OrderRepository) AppendHistory(entry *model.StatusHistoryEntry) error {
	row := historyRow{
		ID:              entry.ID.String(),
		OrderID:         entry.OrderID.String(),
		NewPaymentState: string(entry.NewPaymentState),
		Note:            entry.Note,
		Source:          string(entry.Source),
		CreatedAt:       entry.CreatedAt,
	}
	if entry.PreviousPaymentState != nil {
		row.PreviousPaymentState = sql.NullString{String: string(*entry.PreviousPaymentState), Valid: true}
	}
	if entry.PreviousFulfillment != nil {
		row.PreviousFulfillment = sql.NullString{String: string(*entry.PreviousFulfillment), Valid: true}
	}
	if entry.NewFulfillment != nil {
		row.NewFulfillment = sql.NullString{String: string(*entry.NewFulfillment), Valid: true}
	}
	if entry.ActorID != nil {
		row.ActorID = sql.NullString{String: entry.ActorID.String(), Valid: true}
	}

	_, err := r.db.NamedExec(`
		INSERT INTO historico_status_pedido (id, pedido_id, status_anterior, status_novo,
			status_detalhado_anterior, status_detalhado_novo, descricao, origem, ator_id, created_at)
		VALUES (:id, :pedido_id, :status_anterior, :status_novo,
			:status_detalhado_anterior, :status_detalhado_novo, :descricao, :origem, :ator_id, :created_at)`,
		row)
	return errors.Wrap(err, "append status history")
}

func (r *OrderRepository) HistoryFor(orderID uuid.UUID) ([]*model.StatusHistoryEntry, error) {
	var rows []historyRow
	err := r.db.Select(&rows, `
		SELECT id, pedido_id, status_anterior, status_novo,
			status_detalhado_anterior, status_detalhado_novo, descricao, origem, ator_id, created_at
		FROM historico_status_pedido WHERE pedido_id = ? ORDER BY created_at, id`,
		orderID.String())
	if err != nil {
		return nil, errors.Wrap(err, "select status history")
	}

	entries := make([]*model.StatusHistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := fromHistoryRow(&row)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func toOrderRow(order *model.Order) orderRow {
	row := orderRow{
		ID:                order.ID.String(),
		Number:            order.Number,
		CustomerID:        order.CustomerID.String(),
		PaymentState:      string(order.PaymentState),
		DeliveryMethod:    string(order.DeliveryMethod),
		PaymentMethod:     string(order.PaymentMethod),
		ExternalPaymentID: order.ExternalPaymentID,
		PaymentURL:        order.PaymentURL,
		TotalCents:        order.TotalCents,
		ShippingCents:     order.ShippingCents,
		Version:           order.Version,
		CreatedAt:         order.CreatedAt,
		UpdatedAt:         order.UpdatedAt,
	}
	if order.FulfillmentState != nil {
		row.FulfillmentState = sql.NullString{String: string(*order.FulfillmentState), Valid: true}
	}
	if order.DeliveredAt != nil {
		row.DeliveredAt = sql.NullTime{Time: *order.DeliveredAt, Valid: true}
	}
	return row
}

func fromOrderRow(row *orderRow) (*model.Order, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, errors.Wrap(err, "parse order id")
	}
	customerID, err := uuid.Parse(row.CustomerID)
	if err != nil {
		return nil, errors.Wrap(err, "parse customer id")
	}

	order := &model.Order{
		ID:                id,
		Number:            row.Number,
		CustomerID:        customerID,
		PaymentState:      model.PaymentState(row.PaymentState),
		DeliveryMethod:    model.DeliveryMethod(row.DeliveryMethod),
		PaymentMethod:     model.PaymentMethod(row.PaymentMethod),
		ExternalPaymentID: row.ExternalPaymentID,
		PaymentURL:        row.PaymentURL,
		TotalCents:        row.TotalCents,
		ShippingCents:     row.ShippingCents,
		Version:           row.Version,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
	}
	if row.FulfillmentState.Valid {
		state := model.FulfillmentState(row.FulfillmentState.String)
		order.FulfillmentState = &state
	}
	if row.DeliveredAt.Valid {
		delivered := row.DeliveredAt.Time
		order.DeliveredAt = &delivered
	}
	return order, nil
}

func fromHistoryRow(row *historyRow) (*model.StatusHistoryEntry, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, errors.Wrap(err, "parse history id")
	}
	orderID, err := uuid.Parse(row.OrderID)
	if err != nil {
		return nil, errors.Wrap(err, "parse history order id")
	}

	entry := &model.StatusHistoryEntry{
		ID:              id,
		OrderID:         orderID,
		NewPaymentState: model.PaymentState(row.NewPaymentState),
		Note:            row.Note,
		Source:          model.EventSource(row.Source),
		CreatedAt:       row.CreatedAt,
	}
	if row.PreviousPaymentState.Valid {
		state := model.PaymentState(row.PreviousPaymentState.String)
		entry.PreviousPaymentState = &state
	}
	if row.PreviousFulfillment.Valid {
		state := model.FulfillmentState(row.PreviousFulfillment.String)
		entry.PreviousFulfillment = &state
	}
	if row.NewFulfillment.Valid {
		state := model.FulfillmentState(row.NewFulfillment.String)
		entry.NewFulfillment = &state
	}
	if row.ActorID.Valid {
		actor, parseErr := uuid.Parse(row.ActorID.String)
		if parseErr != nil {
			return nil, errors.Wrap(parseErr, "parse actor id")
		}
		entry.ActorID = &actor
	}
	return entry, nil
}
