package integration

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockcount/internal/inventory"
	"github.com/odyssey-erp/stockcount/internal/stockcount"
)

type postedMessage struct {
	AdjustmentID int64           `json:"adjustment_id"`
	Name         string          `json:"name"`
	CompanyID    int64           `json:"company_id"`
	LocationID   int64           `json:"location_id"`
	State        string          `json:"state"`
	PostedAt     time.Time       `json:"posted_at"`
	Gained       decimal.Decimal `json:"gained_qty"`
	Lost         decimal.Decimal `json:"lost_qty"`
	Moves        []postedMove    `json:"moves"`
}

type postedMove struct {
	MoveID    int64           `json:"move_id"`
	ProductID int64           `json:"product_id"`
	LotID     int64           `json:"lot_id,omitempty"`
	Qty       decimal.Decimal `json:"qty"`
	From      int64           `json:"from_location_id"`
	To        int64           `json:"to_location_id"`
	Direction string          `json:"direction"`
}

func newPostedMessage(evt stockcount.PostedEvent) postedMessage {
	msg := postedMessage{
		AdjustmentID: evt.AdjustmentID,
		Name:         evt.Name,
		CompanyID:    evt.CompanyID,
		LocationID:   evt.LocationID,
		State:        string(evt.State),
		PostedAt:     evt.PostedAt.UTC(),
		Gained:       decimal.Zero,
		Lost:         decimal.Zero,
		Moves:        make([]postedMove, 0, len(evt.Moves)),
	}
	for _, mv := range evt.Moves {
		direction := moveDirection(mv, evt.LocationID)
		switch direction {
		case "in":
			msg.Gained = msg.Gained.Add(mv.Qty)
		case "out":
			msg.Lost = msg.Lost.Add(mv.Qty)
		}
		msg.Moves = append(msg.Moves, postedMove{
			MoveID:    mv.ID,
			ProductID: mv.ProductID,
			LotID:     mv.LotID,
			Qty:       mv.Qty,
			From:      mv.SrcLocationID,
			To:        mv.DstLocationID,
			Direction: direction,
		})
	}
	return msg
}

func moveDirection(mv inventory.Move, locationID int64) string {
	switch locationID {
	case mv.DstLocationID:
		return "in"
	case mv.SrcLocationID:
		return "out"
	default:
		return "other"
	}
}
