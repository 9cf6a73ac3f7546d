package models

import "github.com/shopspring/decimal"

// FillEvent is a broker order status update keyed by our correlation tag.
// Despite the name it carries every status, not only fills.
type FillEvent struct {
	BrokerID          string
	Tag               string
	Status            string
	Type              string
	TransactionDate   string
	AvgFillPrice      decimal.Decimal
	Price             decimal.Decimal
	StopPrice         decimal.Decimal
	ExecQuantity      int
	LastFillQuantity  int
	RemainingQuantity int
}
