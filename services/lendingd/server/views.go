package server

import (
	"math/big"

	"github.com/shopspring/decimal"

	"vaultlend/crypto"
	"vaultlend/native/lending"
	"vaultlend/native/liquidation"
	"vaultlend/services/lendingd/eventlog"
)

type rateJSON struct {
	Base           string `json:"base"`
	SlopeBelowKink string `json:"slope_below_kink"`
	SlopeAboveKink string `json:"slope_above_kink"`
	Kink           string `json:"kink"`
}

type marketJSON struct {
	ID               uint64   `json:"id"`
	Manager          string   `json:"manager"`
	Account          string   `json:"account"`
	Vault            uint64   `json:"vault"`
	CollateralAsset  uint64   `json:"collateral_asset"`
	BorrowAsset      uint64   `json:"borrow_asset"`
	DebtAsset        uint64   `json:"debt_asset"`
	CollateralFactor string   `json:"collateral_factor"`
	WarningThreshold string   `json:"warning_threshold"`
	ReservedFactor   string   `json:"reserved_factor"`
	MaxPriceAge      uint64   `json:"max_price_age"`
	Liquidators      []uint32 `json:"liquidators"`
	Rate             rateJSON `json:"rate"`
	CreatedAt        uint64   `json:"created_at"`
}

type statsJSON struct {
	Market            uint64 `json:"market"`
	BorrowIndex       string `json:"borrow_index"`
	LastAccrual       uint64 `json:"last_accrual"`
	TotalBorrowed     string `json:"total_borrowed"`
	TotalDebt         string `json:"total_debt"`
	TotalInterest     string `json:"total_interest"`
	AvailableToBorrow string `json:"available_to_borrow"`
	Utilisation       string `json:"utilisation"`
	BorrowRate        string `json:"borrow_rate"`
	Borrowers         int    `json:"borrowers"`
}

type positionJSON struct {
	Market          uint64 `json:"market"`
	Account         string `json:"account"`
	Collateral      string `json:"collateral"`
	Debt            string `json:"debt"`
	Principal       string `json:"principal"`
	BorrowLimit     string `json:"borrow_limit"`
	LastBorrowBlock uint64 `json:"last_borrow_block"`
	Solvent         bool   `json:"solvent"`
	Warning         bool   `json:"warning"`
}

type orderJSON struct {
	ID               string `json:"id"`
	Market           uint64 `json:"market"`
	Borrower         string `json:"borrower"`
	DebtAmount       string `json:"debt_amount"`
	CollateralAmount string `json:"collateral_amount"`
	Strategy         uint32 `json:"strategy"`
	Settled          bool   `json:"settled"`
}

type eventJSON struct {
	Height     uint64 `json:"height"`
	Type       string `json:"type"`
	Market     string `json:"market,omitempty"`
	Account    string `json:"account,omitempty"`
	Attributes string `json:"attributes"`
}

func rayString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return decimal.NewFromBigInt(v, -27).String()
}

func bpsString(v uint64) string {
	return decimal.New(int64(v), -4).String()
}

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func marketView(m *lending.Market, account crypto.Address) marketJSON {
	return marketJSON{
		ID:               m.ID,
		Manager:          m.Manager.String(),
		Account:          account.String(),
		Vault:            uint64(m.Vault),
		CollateralAsset:  uint64(m.CollateralAsset),
		BorrowAsset:      uint64(m.BorrowAsset),
		DebtAsset:        uint64(m.DebtAsset),
		CollateralFactor: bpsString(m.CollateralFactorBps),
		WarningThreshold: bpsString(m.WarningBps),
		ReservedFactor:   bpsString(m.ReservedFactorBps),
		MaxPriceAge:      m.MaxPriceAge,
		Liquidators:      append([]uint32{}, m.Liquidators...),
		Rate: rateJSON{
			Base:           rayString(m.RateModel.BaseRate),
			SlopeBelowKink: rayString(m.RateModel.SlopeBelowKink),
			SlopeAboveKink: rayString(m.RateModel.SlopeAboveKink),
			Kink:           rayString(m.RateModel.Kink),
		},
		CreatedAt: m.CreatedAt,
	}
}

func statsView(s *lending.MarketStats) statsJSON {
	return statsJSON{
		Market:            s.Market,
		BorrowIndex:       rayString(s.BorrowIndex),
		LastAccrual:       s.LastAccrual,
		TotalBorrowed:     amountString(s.TotalBorrowed),
		TotalDebt:         amountString(s.TotalDebt),
		TotalInterest:     amountString(s.TotalInterest),
		AvailableToBorrow: amountString(s.AvailableToBorrow),
		Utilisation:       rayString(s.Utilisation),
		BorrowRate:        rayString(s.BorrowRate),
		Borrowers:         s.Borrowers,
	}
}

func positionView(p *lending.AccountPosition, warning bool) positionJSON {
	return positionJSON{
		Market:          p.Market,
		Account:         p.Account.String(),
		Collateral:      amountString(p.Collateral),
		Debt:            amountString(p.Debt),
		Principal:       amountString(p.Principal),
		BorrowLimit:     amountString(p.BorrowLimit),
		LastBorrowBlock: p.LastBorrowBlock,
		Solvent:         p.Solvent,
		Warning:         warning,
	}
}

func orderView(o *liquidation.Order) orderJSON {
	return orderJSON{
		ID:               o.ID,
		Market:           o.Market,
		Borrower:         o.Borrower.String(),
		DebtAmount:       amountString(o.DebtAmount),
		CollateralAmount: amountString(o.CollateralAmount),
		Strategy:         o.Strategy,
		Settled:          o.Settled,
	}
}

func eventView(r eventlog.Record) eventJSON {
	return eventJSON{
		Height:     r.Height,
		Type:       r.Type,
		Market:     r.Market,
		Account:    r.Account,
		Attributes: r.Attributes,
	}
}
