package example2

import "time"

// Trade trade model
type Trade struct {
	TradeNo      string    `order:"0" header:"trade_no"`
	AccountNo    string    `order:"1" header:"account_no"`
	Type         string    `order:"2" header:"type"`
	Amount       float64   `order:"3" header:"amount"`
	Terms        int       `order:"4" header:"terms"`
	InterestRate float64   `order:"5" header:"interest_rate"`
	Status       string    `order:"6" header:"status"`
	TradeTime    time.Time `order:"7" header:"trade_time" format:"2006-01-02 15:04:05"`
}
