package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/rohlikvoice/voice-gateway/internal/grocery"
	"github.com/rohlikvoice/voice-gateway/internal/observability"
)

// Operation identifies a catalog tool
type Operation int

const (
	OpUnknown Operation = iota
	OpSearchProducts
	OpAddToCart
	OpGetCart
	OpRemoveFromCart
	OpUpdateCartItem
	OpClearCart
)

func (o Operation) String() string {
	for _, def := range definitions {
		if def.Operation == o {
			return def.Name
		}
	}
	return "unknown"
}

// ParseOperation resolves a tool name to its operation
func ParseOperation(name string) (Operation, bool) {
	for _, def := range definitions {
		if def.Name == name {
			return def.Operation, true
		}
	}
	return OpUnknown, false
}

// Backend is the set of grocery operations the catalog dispatches to.
// *grocery.Client satisfies it.
type Backend interface {
	Search(ctx context.Context, keyword string, limit int) grocery.Result
	Add(ctx context.Context, productID, quantity int) grocery.Result
	GetCart(ctx context.Context) grocery.Result
	Remove(ctx context.Context, productID int) grocery.Result
	UpdateQuantity(ctx context.Context, productID, quantity int) grocery.Result
	ClearCart(ctx context.Context) grocery.Result
}

var errMissingProductID = errors.New("product_id is required")

// FlexInt decodes an integer given either as a JSON number or a numeric string
type FlexInt struct {
	Value int
	Set   bool
}

func (f *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}

	var s string
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
	} else {
		s = string(data)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		fl, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || fl != float64(int(fl)) {
			return fmt.Errorf("not an integer: %s", s)
		}
		n = int(fl)
	}
	f.Value = n
	f.Set = true
	return nil
}

func (f FlexInt) Or(def int) int {
	if !f.Set {
		return def
	}
	return f.Value
}

// SearchArgs are the arguments of search_products. Keyword is the legacy
// parameter name and is used when Query is empty.
type SearchArgs struct {
	Query   string  `json:"query"`
	Keyword string  `json:"keyword"`
	Limit   FlexInt `json:"limit"`
}

func (a SearchArgs) Term() string {
	if q := strings.TrimSpace(a.Query); q != "" {
		return q
	}
	return strings.TrimSpace(a.Keyword)
}

// ProductArgs are the arguments of the cart operations addressing one product
type ProductArgs struct {
	ProductID FlexInt `json:"product_id"`
	Quantity  FlexInt `json:"quantity"`
}

type handler func(ctx context.Context, b Backend, raw json.RawMessage) (grocery.Result, error)

var handlers = map[Operation]handler{
	OpSearchProducts: func(ctx context.Context, b Backend, raw json.RawMessage) (grocery.Result, error) {
		var args SearchArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Term() == "" {
			return nil, errors.New("query is required")
		}
		return b.Search(ctx, args.Term(), args.Limit.Or(DefaultSearchLimit)), nil
	},
	OpAddToCart: func(ctx context.Context, b Backend, raw json.RawMessage) (grocery.Result, error) {
		args, err := decodeProductArgs(raw)
		if err != nil {
			return nil, err
		}
		quantity := args.Quantity.Or(DefaultQuantity)
		if quantity <= 0 {
			return nil, fmt.Errorf("quantity must be positive, got %d", quantity)
		}
		return b.Add(ctx, args.ProductID.Value, quantity), nil
	},
	OpGetCart: func(ctx context.Context, b Backend, _ json.RawMessage) (grocery.Result, error) {
		return b.GetCart(ctx), nil
	},
	OpRemoveFromCart: func(ctx context.Context, b Backend, raw json.RawMessage) (grocery.Result, error) {
		args, err := decodeProductArgs(raw)
		if err != nil {
			return nil, err
		}
		return b.Remove(ctx, args.ProductID.Value), nil
	},
	OpUpdateCartItem: func(ctx context.Context, b Backend, raw json.RawMessage) (grocery.Result, error) {
		args, err := decodeProductArgs(raw)
		if err != nil {
			return nil, err
		}
		if !args.Quantity.Set || args.Quantity.Value < 0 {
			return nil, errors.New("quantity must be zero or positive")
		}
		return b.UpdateQuantity(ctx, args.ProductID.Value, args.Quantity.Value), nil
	},
	OpClearCart: func(ctx context.Context, b Backend, _ json.RawMessage) (grocery.Result, error) {
		return b.ClearCart(ctx), nil
	},
}

func decodeArgs(raw json.RawMessage, v any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func decodeProductArgs(raw json.RawMessage) (ProductArgs, error) {
	var args ProductArgs
	if err := decodeArgs(raw, &args); err != nil {
		return args, err
	}
	if !args.ProductID.Set {
		return args, errMissingProductID
	}
	return args, nil
}

// Dispatcher executes model tool calls against a backend
type Dispatcher struct {
	backend Backend
	flavor  string
	logger  zerolog.Logger
}

// NewDispatcher creates a dispatcher. flavor labels metrics ("chat" or "realtime").
func NewDispatcher(backend Backend, flavor string, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		backend: backend,
		flavor:  flavor,
		logger:  logger,
	}
}

// Execute runs the named tool with raw JSON arguments. It never fails:
// unknown tools, malformed arguments and backend failures all come back
// as {"error": ...}.
func (d *Dispatcher) Execute(ctx context.Context, name string, raw json.RawMessage) grocery.Result {
	op, ok := ParseOperation(name)
	if !ok {
		d.logger.Warn().Str("tool", name).Msg("Unknown function requested")
		observability.RecordFunctionCall(d.flavor, "unknown", false)
		return grocery.Result{"error": fmt.Sprintf("unknown function %s", name)}
	}

	d.logger.Info().Str("tool", name).RawJSON("args", safeRaw(raw)).Msg("Executing tool")

	result, err := handlers[op](ctx, d.backend, raw)
	if err != nil {
		d.logger.Warn().Err(err).Str("tool", name).Msg("Rejected tool arguments")
		result = grocery.Result{"error": err.Error()}
	}

	observability.RecordFunctionCall(d.flavor, name, !result.HasError())
	return result
}

// safeRaw returns raw if it is valid JSON, for logging
func safeRaw(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 || !json.Valid(raw) {
		return []byte("null")
	}
	return raw
}

// EncodeResult renders a tool result as JSON text for the model. Non-ASCII
// and HTML characters are left unescaped.
func EncodeResult(v any) string {
	if s, ok := v.(string); ok {
		return s
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return fmt.Sprintf(`{"error":%q}`, err.Error())
	}
	return strings.TrimRight(buf.String(), "\n")
}
