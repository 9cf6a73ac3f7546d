package notify

import (
	"fmt"

	"github.com/eddiefleurent/bullwise/internal/models"
)

// Messages sent outside of fills.
const (
	MessageOrderCreated     = "Order created"
	MessageWatchlistUpdated = "Watchlist updated!"
)

// FillMessage formats the notification for a filled order, for example
// "Bought SPY 450 x2". Unparseable symbols are shown verbatim.
func FillMessage(side models.OrderSide, contractSymbol string, exec int) (string, Color) {
	verb, color := "Bought", ColorGreen
	if side == models.SideSellToClose {
		verb, color = "Sold", ColorRed
	}
	name := contractSymbol
	if sym, err := models.ParseOptionSymbol(contractSymbol); err == nil {
		name = fmt.Sprintf("%s %s", sym.Underlying, sym.Strike.String())
	}
	return fmt.Sprintf("%s %s x%d", verb, name, exec), color
}
