package catalog

import (
	"github.com/rohlikvoice/voice-gateway/internal/grocery"
)

// FormatSearchResults renders a search result as a spoken Czech sentence
func FormatSearchResults(r grocery.Result) string {
	if r.HasError() {
		return "Při vyhledávání došlo k chybě: " + r.ErrorMessage()
	}
	return firstText(r, "Nenašel jsem žádné produkty odpovídající vašemu dotazu.", "Výsledky vyhledávání jsou k dispozici.")
}

// FormatCart renders the cart contents
func FormatCart(r grocery.Result) string {
	if r.HasError() {
		return "Nepodařilo se načíst košík: " + r.ErrorMessage()
	}
	return firstText(r, "Košík je prázdný.", "Obsah košíku je k dispozici.")
}

// firstText returns the text of the first MCP content block. empty is used
// when there is no content at all, fallback when content has another shape.
func firstText(r grocery.Result, empty, fallback string) string {
	content, ok := r["content"]
	if !ok || content == nil {
		return empty
	}

	blocks, ok := content.([]any)
	if !ok {
		return fallback
	}
	if len(blocks) == 0 {
		return empty
	}

	block, ok := blocks[0].(map[string]any)
	if !ok {
		return fallback
	}
	text, _ := block["text"].(string)
	return text
}
