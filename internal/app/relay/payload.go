package relay

import (
	json "github.com/goccy/go-json"

	"github.com/bulios/stocks/errs"
	"github.com/bulios/stocks/internal/domain/quote"
)

// emptySnapshot is sent in place of a snapshot that could not be encoded.
var emptySnapshot = []byte("[]")

// EncodeSnapshot renders points as a JSON array of {"symbol","price"} objects.
func EncodeSnapshot(points []quote.PricePoint) ([]byte, error) {
	if points == nil {
		points = []quote.PricePoint{}
	}
	data, err := json.Marshal(points)
	if err != nil {
		return nil, errs.New("relay/payload", errs.CodeEncoding, errs.WithMessage("encode snapshot"), errs.WithCause(err))
	}
	return data, nil
}
