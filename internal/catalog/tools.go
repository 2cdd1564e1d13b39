// Package catalog describes the grocery tools offered to the language model
// and maps the model's tool calls onto backend operations.
package catalog

import (
	openai "github.com/sashabaranov/go-openai"
)

// SystemPrompt steers the assistant: Czech, brief, search before adding,
// ask when a search is ambiguous, prices in Kč.
const SystemPrompt = `Jsi hlasový asistent pro nakupování na Rohlík.cz. Pomáháš uživateli s nákupem potravin.

PRAVIDLA:
1. Mluv česky, přátelsky a stručně
2. Když uživatel chce přidat produkt, nejdřív ho vyhledej pomocí search_products
3. Pokud je více výsledků, zeptej se uživatele který chce (značka, velikost, cena)
4. Po přidání do košíku potvrď co jsi přidal a řekni aktuální stav košíku
5. Ceny uváděj v Kč
6. Když si nejsi jistý, zeptej se

PŘÍKLADY ODPOVĚDÍ:
- "Našel jsem 5 druhů mléka. Chcete polotučné, plnotučné nebo odstředěné?"
- "Přidal jsem Tatra mléko 1l za 24.90 Kč. V košíku máte 3 položky za 89 Kč celkem."
- "Omlouvám se, tento produkt jsem nenašel. Můžete to zkusit popsat jinak?"
`

// Model-facing tool names
const (
	ToolSearchProducts = "search_products"
	ToolAddToCart      = "add_to_cart"
	ToolGetCart        = "get_cart"
	ToolRemoveFromCart = "remove_from_cart"
	ToolUpdateCartItem = "update_cart_item"
	ToolClearCart      = "clear_cart"
)

const (
	DefaultSearchLimit = 10
	DefaultQuantity    = 1
)

// Property is one named parameter of a tool
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Default     any    `json:"default,omitempty"`
}

// Schema is the JSON-Schema object describing a tool's parameters
type Schema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// ToolDefinition describes one tool independent of wire format
type ToolDefinition struct {
	Operation   Operation
	Name        string
	Description string
	Parameters  Schema
}

// RealtimeTool is the flat tool shape used by the realtime session.update event
type RealtimeTool struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  Schema `json:"parameters"`
}

func noParameters() Schema {
	return Schema{Type: "object", Properties: map[string]Property{}, Required: []string{}}
}

var definitions = []ToolDefinition{
	{
		Operation:   OpSearchProducts,
		Name:        ToolSearchProducts,
		Description: "Vyhledá produkty na Rohlíku podle názvu nebo popisu. Použij když uživatel chce najít nebo přidat konkrétní produkt.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Hledaný výraz (název produktu, značka, kategorie)"},
				"limit": {Type: "integer", Description: "Maximální počet výsledků (výchozí 10)", Default: DefaultSearchLimit},
			},
			Required: []string{"query"},
		},
	},
	{
		Operation:   OpAddToCart,
		Name:        ToolAddToCart,
		Description: "Přidá produkt do košíku. Potřebuje ID produktu z vyhledávání.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Property{
				"product_id": {Type: "string", Description: "ID produktu z vyhledávání"},
				"quantity":   {Type: "integer", Description: "Počet kusů (výchozí 1)", Default: DefaultQuantity},
			},
			Required: []string{"product_id"},
		},
	},
	{
		Operation:   OpGetCart,
		Name:        ToolGetCart,
		Description: "Zobrazí aktuální obsah košíku včetně produktů a celkové ceny.",
		Parameters:  noParameters(),
	},
	{
		Operation:   OpRemoveFromCart,
		Name:        ToolRemoveFromCart,
		Description: "Odebere produkt z košíku.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Property{
				"product_id": {Type: "string", Description: "ID produktu k odebrání"},
			},
			Required: []string{"product_id"},
		},
	},
	{
		Operation:   OpUpdateCartItem,
		Name:        ToolUpdateCartItem,
		Description: "Změní počet kusů produktu, který už je v košíku.",
		Parameters: Schema{
			Type: "object",
			Properties: map[string]Property{
				"product_id": {Type: "string", Description: "ID produktu v košíku"},
				"quantity":   {Type: "integer", Description: "Nový počet kusů"},
			},
			Required: []string{"product_id", "quantity"},
		},
	},
	{
		Operation:   OpClearCart,
		Name:        ToolClearCart,
		Description: "Vyprázdní celý košík. Použij jen když to uživatel výslovně chce.",
		Parameters:  noParameters(),
	},
}

// ChatTools returns the catalog in the chat completions format, with the
// parameters nested under the function object.
func ChatTools() []openai.Tool {
	tools := make([]openai.Tool, 0, len(definitions))
	for _, def := range definitions {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return tools
}

// RealtimeTools returns the catalog in the flat realtime format
func RealtimeTools() []RealtimeTool {
	tools := make([]RealtimeTool, 0, len(definitions))
	for _, def := range definitions {
		tools = append(tools, RealtimeTool{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return tools
}
