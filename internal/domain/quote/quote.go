package quote

// Quote is a single upstream price observation.
type Quote struct {
	Symbol Symbol
	Price  float64
	Volume int64
}

// PricePoint is the outbound representation of a resolved symbol.
type PricePoint struct {
	Symbol Symbol  `json:"symbol"`
	Price  float64 `json:"price"`
}
