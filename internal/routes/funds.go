package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/groupmart/group_mart/internal/ledger"
	"github.com/groupmart/group_mart/internal/transfer"
)

// RegisterFundsRoutes wires every endpoint that moves money or custody.
func RegisterFundsRoutes(r fiber.Router, lh *ledger.Handler, th *transfer.Handler) {
	r.Post("/purchases", lh.Purchase)
	r.Post("/claims", th.Claim)
	r.Post("/withdrawals", lh.Withdraw)
	r.Get("/withdrawals/pending", lh.PendingWithdrawals)
	r.Post("/withdrawals/:id/decision", lh.Decide)
	r.Post("/credits", lh.Credit)
}
