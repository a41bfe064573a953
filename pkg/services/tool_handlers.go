package services

import (
	"context"
	"fmt"

	config "farma-chat-api/configs"
	"farma-chat-api/pkg/models"
)

// storeIDKey carries the turn's store through tool dispatch. Handlers
// are pure with respect to run state; the store is the only per-turn
// input they need.
type storeIDKey struct{}

// WithStoreID returns a context carrying the store of the current turn.
func WithStoreID(ctx context.Context, storeID string) context.Context {
	return context.WithValue(ctx, storeIDKey{}, storeID)
}

// StoreIDFromContext extracts the store of the current turn.
func StoreIDFromContext(ctx context.Context) string {
	storeID, _ := ctx.Value(storeIDKey{}).(string)
	return storeID
}

// Retriever is the similarity-query capability the handlers consume.
type Retriever interface {
	Query(ctx context.Context, indexName, text string, topK int) (models.RetrievalResult, error)
}

// ProductTools holds the dependencies of the registered product functions.
type ProductTools struct {
	catalog   *CatalogService
	retriever Retriever
	assembler *ContextService
}

// NewProductTools wires the product function handlers.
func NewProductTools(catalog *CatalogService, retriever Retriever, assembler *ContextService) *ProductTools {
	return &ProductTools{catalog: catalog, retriever: retriever, assembler: assembler}
}

// RegisterAll binds every declaration of the function catalog to its
// handler. A declaration without a handler is a startup error: the
// catalog and the registry must agree.
func (t *ProductTools) RegisterAll(registry *ToolRegistry, catalog []config.FunctionDeclaration) error {
	handlers := map[string]ToolHandler{
		"buscar_productos":                              t.buscarProductos,
		"buscar_productos_por_beneficio":                t.facetSearch(IndexBeneficios, "beneficio"),
		"listar_productos_en_categorias":                t.facetSearch(IndexCategorias, "categoria"),
		"buscar_productos_por_zona_aplicacion":          t.facetSearch(IndexIndicaciones, "zona_aplicacion"),
		"buscar_productos_por_modo_de_uso":              t.facetSearch(IndexModoDeUso, "modo_de_uso"),
		"buscar_productos_por_ingrediente":              t.facetSearch(IndexPropiedades, "ingrediente"),
		"buscar_productos_por_presentacion":             t.facetSearch(IndexDescripcion, "presentacion"),
		"buscar_productos_por_presentacion_y_tamano":    t.buscarPorPresentacionYTamano,
		"verificar_marca":                               t.verificarMarca,
		"contar_marcas":                                 t.contarMarcas,
		"listar_marcas":                                 t.listarMarcas,
		"contar_productos_con_stock":                    t.contarProductosConStock,
		"contar_productos_en_promocion":                 t.contarProductosEnPromocion,
		"buscar_productos_por_precio":                   t.buscarPorPrecio,
		"buscar_productos_por_problema_y_promocion":     t.buscarPorProblemaYPromocion,
		"listar_productos_por_rango_precio_y_promocion": t.listarPorRangoPrecioYPromocion,
	}

	for _, decl := range catalog {
		handler, ok := handlers[decl.Name]
		if !ok {
			return fmt.Errorf("function catalog declares %q but no handler is implemented", decl.Name)
		}
		if err := registry.Register(decl, handler); err != nil {
			return err
		}
	}
	return nil
}

// searchResult is the payload shape of every search-style function.
type searchResult struct {
	Contexto    string `json:"contexto"`
	Encontrados int    `json:"encontrados"`
}

// retrieveContext runs one similarity query and assembles the context
// block against the turn's store. One function call queries exactly one
// facet; cross-facet exploration is the model's decision.
func (t *ProductTools) retrieveContext(ctx context.Context, indexName, text string, topK int) (interface{}, error) {
	result, err := t.retriever.Query(ctx, indexName, text, topK)
	if err != nil {
		return nil, err
	}
	block, found := t.assembler.BuildContext(result.IDs(), StoreIDFromContext(ctx), ContextOptions{
		MaxItems: DefaultFacetTopK,
	})
	return searchResult{Contexto: block, Encontrados: found}, nil
}

// buscarProductos is the general free-text search over the description
// index: wide retrieval, trimmed to the context cap by the assembler.
func (t *ProductTools) buscarProductos(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.retrieveContext(ctx, IndexDescripcion, stringArg(args, "problem"), DefaultGeneralTopK)
}

// facetSearch builds the handler for a single-argument facet query.
func (t *ProductTools) facetSearch(indexName, argName string) ToolHandler {
	return func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return t.retrieveContext(ctx, indexName, stringArg(args, argName), DefaultFacetTopK)
	}
}

func (t *ProductTools) buscarPorPresentacionYTamano(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query := fmt.Sprintf("%s %v%s", stringArg(args, "presentacion"), args["valor"], stringArg(args, "unidad"))
	return t.retrieveContext(ctx, IndexDescripcion, query, DefaultFacetTopK)
}

type brandCheckResult struct {
	Found bool   `json:"found"`
	Marca string `json:"marca"`
}

// verificarMarca reports whether a brand exists. Absence is a normal
// answer, not an error.
func (t *ProductTools) verificarMarca(_ context.Context, args map[string]interface{}) (interface{}, error) {
	brand := stringArg(args, "marca")
	return brandCheckResult{Found: t.catalog.HasBrand(brand), Marca: brand}, nil
}

func (t *ProductTools) contarMarcas(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]int{"total": len(t.catalog.Brands())}, nil
}

func (t *ProductTools) listarMarcas(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string][]string{"marcas": t.catalog.Brands()}, nil
}

func (t *ProductTools) contarProductosConStock(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]int{"total": t.catalog.CountInStock(StoreIDFromContext(ctx))}, nil
}

func (t *ProductTools) contarProductosEnPromocion(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]int{"total": t.catalog.CountOnPromotion(StoreIDFromContext(ctx))}, nil
}

func (t *ProductTools) buscarPorPrecio(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.priceRange(ctx, args, false)
}

func (t *ProductTools) listarPorRangoPrecioYPromocion(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return t.priceRange(ctx, args, true)
}

// priceRange filters the store inventory by price instead of running a
// similarity query; the ids come straight from the catalog.
func (t *ProductTools) priceRange(ctx context.Context, args map[string]interface{}, onlyPromotion bool) (interface{}, error) {
	min := numberArg(args, "precio_min")
	max := numberArg(args, "precio_max")
	if min > max {
		return nil, models.NewAppError(models.CodeValidationError,
			"precio_min no puede ser mayor que precio_max", nil)
	}
	storeID := StoreIDFromContext(ctx)
	ids := t.catalog.FilterByPrice(storeID, min, max, onlyPromotion)
	block, found := t.assembler.BuildContext(ids, storeID, ContextOptions{
		MaxItems: DefaultFacetTopK,
	})
	return searchResult{Contexto: block, Encontrados: found}, nil
}

// buscarPorProblemaYPromocion narrows a description search to products
// on promotion in the turn's store.
func (t *ProductTools) buscarPorProblemaYPromocion(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	result, err := t.retriever.Query(ctx, IndexDescripcion, stringArg(args, "problematica"), DefaultGeneralTopK)
	if err != nil {
		return nil, err
	}
	storeID := StoreIDFromContext(ctx)
	var promoted []string
	for _, id := range result.IDs() {
		if inv, ok := t.catalog.GetInventory(id, storeID); ok && inv.OnPromotion() {
			promoted = append(promoted, id)
		}
	}
	block, found := t.assembler.BuildContext(promoted, storeID, ContextOptions{
		MaxItems: DefaultFacetTopK,
	})
	return searchResult{Contexto: block, Encontrados: found}, nil
}

func stringArg(args map[string]interface{}, name string) string {
	s, _ := args[name].(string)
	return s
}

func numberArg(args map[string]interface{}, name string) float64 {
	n, _ := args[name].(float64)
	return n
}
