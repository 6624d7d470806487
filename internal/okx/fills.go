package okx

import (
	"context"
	"net/url"
	"strconv"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/pnljournal/journal-engine/internal/model"
)

const (
	instTypeSpot = "SPOT"
	stateFilled  = "filled"

	// PageLimit is the number of orders requested per page.
	PageLimit = 100

	// MaxPages bounds one FetchFills call. Reaching it truncates the result
	// without an error; the next sync continues from the new watermark.
	MaxPages = 20
)

// order is one entry of /api/v5/trade/orders-history. OKX encodes every
// number as a string.
type order struct {
	InstType string `json:"instType"`
	InstID   string `json:"instId"`
	Side     string `json:"side"`
	AvgPx    string `json:"avgPx"`
	FillSz   string `json:"fillSz"`
	CTime    string `json:"cTime"`
	UTime    string `json:"uTime"`
	State    string `json:"state"`
}

// FetchFills pages through the spot order history and returns the filled
// orders at or after sinceMs. Pages are fetched one after another.
func (c *Client) FetchFills(ctx context.Context, creds model.Credentials, sinceMs int64) ([]model.RawFill, error) {
	ctx, span := tracer.Start(ctx, "okx.FetchFills")
	defer span.End()

	var (
		fills []model.RawFill
		after string
		pages int
	)

	for pages < MaxPages {
		q := url.Values{}
		q.Set("instType", instTypeSpot)
		q.Set("limit", strconv.Itoa(PageLimit))
		if after != "" {
			q.Set("after", after)
		}

		var orders []order
		if err := c.get(ctx, creds, ordersHistoryPath, q, &orders); err != nil {
			recordError(span, err)
			return nil, err
		}
		pages++

		if len(orders) == 0 {
			break
		}

		for _, o := range orders {
			if f, ok := toFill(o, sinceMs); ok {
				fills = append(fills, f)
			}
		}

		next := orders[len(orders)-1].UTime
		if next == "" || next == after {
			break
		}
		after = next

		if pages == MaxPages {
			c.logger.WarnContext(ctx, "okx order history truncated at page ceiling",
				"pages", pages,
				"fills", len(fills),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("okx.pages", pages),
		attribute.Int("okx.fills", len(fills)),
	)
	return fills, nil
}

// toFill keeps filled spot buys and sells at or after sinceMs with a
// non-empty symbol and non-zero size and price.
func toFill(o order, sinceMs int64) (model.RawFill, bool) {
	if o.InstType != instTypeSpot {
		return model.RawFill{}, false
	}
	if o.State != "" && o.State != stateFilled {
		return model.RawFill{}, false
	}

	rawTs := o.UTime
	if rawTs == "" {
		rawTs = o.CTime
	}
	ts, err := strconv.ParseInt(rawTs, 10, 64)
	if err != nil || ts <= 0 || ts < sinceMs {
		return model.RawFill{}, false
	}

	var side model.Side
	switch o.Side {
	case string(model.SideBuy):
		side = model.SideBuy
	case string(model.SideSell):
		side = model.SideSell
	default:
		return model.RawFill{}, false
	}

	if o.InstID == "" || isZero(o.FillSz) || isZero(o.AvgPx) {
		return model.RawFill{}, false
	}

	return model.RawFill{
		Symbol:      o.InstID,
		Side:        side,
		Quantity:    o.FillSz,
		Price:       o.AvgPx,
		TimestampMs: ts,
	}, true
}

// isZero reports whether s is empty or a decimal zero ("0", "0.000").
// Unparseable values pass through; the matcher discards them.
func isZero(s string) bool {
	if s == "" {
		return true
	}
	v, err := decimal.NewFromString(s)
	return err == nil && v.IsZero()
}
