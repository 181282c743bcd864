package sales

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iago/painel-back/internal/parse"
)

// Row is one labelled sales line returned by a cluster.
type Row struct {
	Label         string
	Code          string
	WebsiteAmount decimal.Decimal
	PartnerAmount decimal.Decimal
}

// RowExtractor turns a raw cluster payload into rows. Invalid amounts should
// degrade to zero rather than fail the payload.
type RowExtractor func(payload []byte) ([]Row, error)

// DefaultRowExtractor reads {"rows":[{"label","code","website_amount","partner_amount"}]}.
// Amounts may be numbers or locale-formatted strings.
func DefaultRowExtractor(payload []byte) ([]Row, error) {
	var decoded struct {
		Rows []struct {
			Label         string `json:"label"`
			Code          any    `json:"code"`
			WebsiteAmount any    `json:"website_amount"`
			PartnerAmount any    `json:"partner_amount"`
		} `json:"rows"`
	}
	decoder := json.NewDecoder(bytes.NewReader(payload))
	decoder.UseNumber()
	if err := decoder.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode sales rows: %w", err)
	}

	rows := make([]Row, 0, len(decoded.Rows))
	for _, item := range decoded.Rows {
		code := ""
		if item.Code != nil {
			code = fmt.Sprint(item.Code)
		}
		rows = append(rows, Row{
			Label:         item.Label,
			Code:          code,
			WebsiteAmount: parse.AmountValue(item.WebsiteAmount),
			PartnerAmount: parse.AmountValue(item.PartnerAmount),
		})
	}
	return rows, nil
}
