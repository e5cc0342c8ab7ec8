// Package queue holds the inbound event types, the durable ordered queue and its single worker
package queue

import (
	"encoding/json"
	"fmt"
	"strings"

	"signal_router/internal/core"
	apperrors "signal_router/pkg/errors"

	"github.com/shopspring/decimal"
)

// Kind is the event discriminator
type Kind string

const (
	KindNewSignal       Kind = "NEW_PATTERN"
	KindInvalidate      Kind = "INVALIDATE_PATTERN"
	KindEnteredPosition Kind = "ENTERED_POSITION"
	KindClosed          Kind = "TRADE_CLOSED"
)

const defaultPatternName = "Unspecified"

// Event is one of NewSignal, Invalidate, EnteredPosition or Closed
type Event interface {
	Kind() Kind
	ID() string
	Symbol() string
}

// NewSignal asks the allocator to open a trade. StopLoss is zero when the signal carries none.
type NewSignal struct {
	SignalID    string
	Instrument  string
	Direction   core.Direction
	EntryPrice  decimal.Decimal
	StopLoss    decimal.Decimal
	TakeProfit  decimal.Decimal
	PatternName string
}

type Invalidate struct {
	SignalID   string
	Instrument string
}

// EnteredPosition confirms the conditional order filled. Zero prices fall back to the recorded ones.
type EnteredPosition struct {
	SignalID   string
	Instrument string
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
}

type Closed struct {
	SignalID   string
	Instrument string
	ClosePrice decimal.Decimal
	Outcome    string
}

func (e NewSignal) Kind() Kind { return KindNewSignal }
func (e NewSignal) ID() string { return e.SignalID }
func (e NewSignal) Symbol() string { return e.Instrument }
func (e Invalidate) Kind() Kind { return KindInvalidate }
func (e Invalidate) ID() string { return e.SignalID }
func (e Invalidate) Symbol() string { return e.Instrument }

func (e EnteredPosition) Kind() Kind { return KindEnteredPosition }
func (e EnteredPosition) ID() string { return e.SignalID }
func (e EnteredPosition) Symbol() string { return e.Instrument }
func (e Closed) Kind() Kind { return KindClosed }
func (e Closed) ID() string { return e.SignalID }
func (e Closed) Symbol() string { return e.Instrument }

// Payload is the inbound webhook body. Prices may arrive as JSON strings or numbers.
type Payload struct {
	TradeID     string      `json:"tradeId"`
	Action      string      `json:"action"`
	Ticker      string      `json:"ticker"`
	Direction   string      `json:"direction,omitempty"`
	EntryPrice  json.Number `json:"entryPrice,omitempty"`
	TakeProfit  json.Number `json:"takeProfit,omitempty"`
	StopLoss    json.Number `json:"stopLoss,omitempty"`
	PatternName string      `json:"patternName,omitempty"`
	ClosePrice  json.Number `json:"closePrice,omitempty"`
	Outcome     string      `json:"outcome,omitempty"`
}

// UnmarshalJSON accepts numbers and numeric strings for the price fields
func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw struct {
		TradeID     string          `json:"tradeId"`
		Action      string          `json:"action"`
		Ticker      string          `json:"ticker"`
		Direction   string          `json:"direction"`
		EntryPrice  json.RawMessage `json:"entryPrice"`
		TakeProfit  json.RawMessage `json:"takeProfit"`
		StopLoss    json.RawMessage `json:"stopLoss"`
		PatternName string          `json:"patternName"`
		ClosePrice  json.RawMessage `json:"closePrice"`
		Outcome     string          `json:"outcome"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = Payload{
		TradeID:     raw.TradeID,
		Action:      raw.Action,
		Ticker:      raw.Ticker,
		Direction:   raw.Direction,
		PatternName: raw.PatternName,
		Outcome:     raw.Outcome,
	}
	for _, f := range []struct {
		name string
		src  json.RawMessage
		dst  *json.Number
	}{
		{"entryPrice", raw.EntryPrice, &p.EntryPrice},
		{"takeProfit", raw.TakeProfit, &p.TakeProfit},
		{"stopLoss", raw.StopLoss, &p.StopLoss},
		{"closePrice", raw.ClosePrice, &p.ClosePrice},
	} {
		n, err := numberField(f.src)
		if err != nil {
			return fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = n
	}
	return nil
}

func numberField(raw json.RawMessage) (json.Number, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return "", nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return "", err
		}
		return json.Number(strings.TrimSpace(str)), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n, nil
}

// NormalizeInstrument strips the perpetual ".P" suffix and upper-cases the symbol
func NormalizeInstrument(ticker string) string {
	s := strings.ToUpper(strings.TrimSpace(ticker))
	return strings.TrimSuffix(s, ".P")
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", apperrors.ErrInvalidEvent, fmt.Sprintf(format, args...))
}

// Decode parses and validates a raw webhook body
func Decode(raw []byte) (Event, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, invalid("malformed payload: %v", err)
	}
	return p.Event()
}

func price(name string, n json.Number, required bool) (decimal.Decimal, error) {
	if n == "" {
		if required {
			return decimal.Zero, invalid("%s is required", name)
		}
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(string(n))
	if err != nil {
		return decimal.Zero, invalid("%s %q is not a number", name, string(n))
	}
	if !d.IsPositive() {
		if !required && d.IsZero() {
			return decimal.Zero, nil
		}
		return decimal.Zero, invalid("%s must be positive, got %s", name, d)
	}
	return d, nil
}

// Event converts the payload into its typed event
func (p Payload) Event() (Event, error) {
	id := strings.TrimSpace(p.TradeID)
	if id == "" {
		return nil, invalid("tradeId is required")
	}
	if strings.TrimSpace(p.Action) == "" {
		return nil, invalid("action is required")
	}
	instrument := NormalizeInstrument(p.Ticker)
	if instrument == "" {
		return nil, invalid("ticker is required")
	}

	switch Kind(strings.ToUpper(strings.TrimSpace(p.Action))) {
	case KindNewSignal:
		dir, err := core.ParseDirection(p.Direction)
		if err != nil {
			return nil, invalid("%v", err)
		}
		entry, err := price("entryPrice", p.EntryPrice, true)
		if err != nil {
			return nil, err
		}
		target, err := price("takeProfit", p.TakeProfit, true)
		if err != nil {
			return nil, err
		}
		stop, err := price("stopLoss", p.StopLoss, false)
		if err != nil {
			return nil, err
		}
		pattern := strings.TrimSpace(p.PatternName)
		if pattern == "" {
			pattern = defaultPatternName
		}
		return NewSignal{
			SignalID:    id,
			Instrument:  instrument,
			Direction:   dir,
			EntryPrice:  entry,
			StopLoss:    stop,
			TakeProfit:  target,
			PatternName: pattern,
		}, nil

	case KindInvalidate:
		return Invalidate{SignalID: id, Instrument: instrument}, nil

	case KindEnteredPosition:
		stop, err := price("stopLoss", p.StopLoss, false)
		if err != nil {
			return nil, err
		}
		target, err := price("takeProfit", p.TakeProfit, false)
		if err != nil {
			return nil, err
		}
		return EnteredPosition{SignalID: id, Instrument: instrument, StopLoss: stop, TakeProfit: target}, nil

	case KindClosed:
		closePrice, err := price("closePrice", p.ClosePrice, true)
		if err != nil {
			return nil, err
		}
		return Closed{SignalID: id, Instrument: instrument, ClosePrice: closePrice, Outcome: strings.TrimSpace(p.Outcome)}, nil

	default:
		return nil, invalid("unknown action %q", p.Action)
	}
}

// Encode turns an event back into its payload form for durable storage
func Encode(e Event) Payload {
	num := func(d decimal.Decimal) json.Number {
		if d.IsZero() {
			return ""
		}
		return json.Number(d.String())
	}

	p := Payload{TradeID: e.ID(), Action: string(e.Kind()), Ticker: e.Symbol()}
	switch ev := e.(type) {
	case NewSignal:
		p.Direction = string(ev.Direction)
		p.EntryPrice = num(ev.EntryPrice)
		p.StopLoss = num(ev.StopLoss)
		p.TakeProfit = num(ev.TakeProfit)
		p.PatternName = ev.PatternName
	case EnteredPosition:
		p.StopLoss = num(ev.StopLoss)
		p.TakeProfit = num(ev.TakeProfit)
	case Closed:
		p.ClosePrice = num(ev.ClosePrice)
		p.Outcome = ev.Outcome
	}
	return p
}
