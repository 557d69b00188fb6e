package indexer

import (
	"math/big"

	"github.com/nnlgsakib/crypto-manager-engine/internal/models"
	"github.com/nnlgsakib/crypto-manager-engine/internal/money"
	"github.com/nnlgsakib/crypto-manager-engine/internal/notify"
)

func chainUnitsToAmount(units *big.Int, decimals int) money.Amount {
	return money.FromChainUnits(units, decimals).RoundCredit()
}

func balanceUpdateEvent(username, chain, currency string) notify.Event {
	return notify.Event{
		Type: notify.EventBalanceUpdate, Username: username,
		Chain: chain, Currency: currency,
	}
}

func (idx *Indexer) publishDeposit(d *models.Deposit) {
	if idx.bus == nil {
		return
	}
	idx.bus.Publish(notify.Event{
		Type: notify.EventDepositUpdate, Username: d.Username,
		Chain: d.Chain, Currency: d.Currency, Status: string(d.State),
		Payload: d,
	})
}
