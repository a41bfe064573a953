package services

import (
	"fmt"
	"sort"
	"strings"

	"farma-chat-api/pkg/models"
)

// NoResultsSentinel is returned instead of an empty context so callers
// can tell "nothing survived filtering" apart from a rendering bug and
// let the model ask a clarifying question.
const NoResultsSentinel = "No se encontraron productos disponibles para esta consulta."

// ContextOptions controls how a context block is assembled.
type ContextOptions struct {
	IncludeImages     bool
	IncludeOutOfStock bool
	MaxItems          int // entries kept in the output; <=0 uses the facet default
}

// ContextService joins retrieved product ids with the live inventory of
// one store and renders the grounding text inserted into the prompt.
type ContextService struct {
	catalog *CatalogService
}

// NewContextService creates a context assembler over the catalog store.
func NewContextService(catalog *CatalogService) *ContextService {
	return &ContextService{catalog: catalog}
}

type contextCandidate struct {
	product   models.ProductRecord
	inventory models.StoreInventoryRecord
	hasStock  bool
}

// BuildContext renders the context block for the given ranked ids.
// Returns the text and the number of candidates found before the stock
// filter, so callers can report "N candidates, M shown". Rendering is
// deterministic: same inputs, byte-identical output.
func (s *ContextService) BuildContext(ids []string, storeID string, opts ContextOptions) (string, int) {
	maxItems := opts.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultFacetTopK
	}

	snapshot := s.catalog.Snapshot()

	found := 0
	var shown []contextCandidate
	seen := map[string]bool{}
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		// Index entries pointing at products missing from the catalog
		// are dropped silently: the snapshots refresh on different
		// cadences and may briefly disagree.
		product, ok := snapshot.Products[id]
		if !ok {
			continue
		}
		found++
		inventory, hasInventory := snapshot.Inventory[storeID][id]
		hasStock := hasInventory && inventory.Stock > 0
		if !opts.IncludeOutOfStock && !hasStock {
			// Counted as a found candidate, just not shown.
			continue
		}
		shown = append(shown, contextCandidate{product: product, inventory: inventory, hasStock: hasStock})
	}

	// Secondary ordering only: in-stock promotions first, then in-stock,
	// then the rest. Retrieval order is preserved within each group; no
	// cross-index score is ever fabricated.
	sort.SliceStable(shown, func(i, j int) bool {
		return candidateRank(shown[i]) < candidateRank(shown[j])
	})

	// Entries past the cap are dropped whole, never truncated mid-entry.
	if len(shown) > maxItems {
		shown = shown[:maxItems]
	}
	if len(shown) == 0 {
		return NoResultsSentinel, found
	}

	var sb strings.Builder
	for i, c := range shown {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(renderEntry(c.product, c.inventory, opts.IncludeImages))
	}
	return sb.String(), found
}

func candidateRank(c contextCandidate) int {
	switch {
	case c.hasStock && c.inventory.OnPromotion():
		return 0
	case c.hasStock:
		return 1
	default:
		return 2
	}
}

// renderEntry formats one product line the way the sales context block
// reads: description first, then the live store data.
func renderEntry(p models.ProductRecord, inv models.StoreInventoryRecord, includeImages bool) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("- %s %s", p.Brand, p.Name))
	if p.Presentation != "" {
		sb.WriteString(fmt.Sprintf(" (%s)", p.Presentation))
	}
	if p.Description != "" {
		sb.WriteString(". " + p.Description)
	}
	if inv.ProductID != "" {
		sb.WriteString(fmt.Sprintf(" Stock: %d. Precio: $%.2f. Promoción: %s.", inv.Stock, inv.Price, inv.Promotion))
		if inv.OnPromotion() && inv.PromotionPrice > 0 {
			sb.WriteString(fmt.Sprintf(" Precio promocional: $%.2f.", inv.PromotionPrice))
		}
	} else {
		sb.WriteString(" Sin datos de stock en esta sucursal.")
	}
	if includeImages && p.ImageURL != "" {
		sb.WriteString(" Imagen: " + p.ImageURL)
	}
	return sb.String()
}
