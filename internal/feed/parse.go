package feed

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jstrand/chainprice/internal/model"
)

// eventWire is the upstream JSON envelope.
type eventWire struct {
	Type   string   `json:"type"`
	TxID   string   `json:"txid"`
	Values []string `json:"values,omitempty"`
	Window string   `json:"window,omitempty"`
	Ts     float64  `json:"ts,omitempty"` // epoch seconds
}

// ParseEvent decodes one upstream message. Failures return a
// *model.MalformedEventError; such events never reach the window.
func ParseEvent(data []byte, now time.Time) (model.ValueEvent, error) {
	var wire eventWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return model.ValueEvent{}, &model.MalformedEventError{Reason: fmt.Sprintf("bad json: %v", err)}
	}

	var kind model.EventKind
	switch wire.Type {
	case "add":
		kind = model.EventAdd
	case "remove":
		kind = model.EventRemove
	case "confirm":
		kind = model.EventConfirm
	default:
		return model.ValueEvent{}, &model.MalformedEventError{Reason: "unknown type " + wire.Type}
	}

	if wire.TxID == "" {
		return model.ValueEvent{}, &model.MalformedEventError{Reason: "missing txid"}
	}

	window := model.WindowMempool
	if wire.Window != "" {
		window = model.WindowID(wire.Window)
		if !window.Valid() {
			return model.ValueEvent{}, &model.MalformedEventError{Reason: "unknown window " + wire.Window}
		}
	}

	var values []decimal.Decimal
	if kind == model.EventAdd {
		if len(wire.Values) == 0 {
			return model.ValueEvent{}, &model.MalformedEventError{Reason: "add event with no values"}
		}
		values = make([]decimal.Decimal, 0, len(wire.Values))
		for _, s := range wire.Values {
			d, err := decimal.NewFromString(s)
			if err != nil {
				return model.ValueEvent{}, &model.MalformedEventError{Reason: "bad value " + s}
			}
			if d.Sign() <= 0 {
				return model.ValueEvent{}, &model.MalformedEventError{Reason: "non-positive value " + s}
			}
			values = append(values, d)
		}
	}

	ts := now
	if wire.Ts > 0 && !math.IsNaN(wire.Ts) {
		sec, frac := math.Modf(wire.Ts)
		ts = time.Unix(int64(sec), int64(frac*1e9))
	}

	return model.ValueEvent{
		Kind:      kind,
		TxID:      wire.TxID,
		Values:    values,
		Window:    window,
		Timestamp: ts,
	}, nil
}
