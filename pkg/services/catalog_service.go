package services

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"farma-chat-api/pkg/models"

	"github.com/xuri/excelize/v2"
)

// CatalogSnapshot is an immutable view of the product catalog plus the
// per-store inventory. A reload builds a fresh snapshot and swaps it in
// atomically; readers keep working on whatever snapshot they grabbed.
type CatalogSnapshot struct {
	Products  map[string]models.ProductRecord                 // by product id (EAN)
	Inventory map[string]map[string]models.StoreInventoryRecord // storeID -> productID -> record
}

// CatalogService owns the current snapshot. Lookups never block on a
// reload; the snapshot pointer is the only shared mutable state.
type CatalogService struct {
	snapshot atomic.Pointer[CatalogSnapshot]
}

// NewCatalogService starts with an empty snapshot so lookups are safe
// before the first load.
func NewCatalogService() *CatalogService {
	s := &CatalogService{}
	s.snapshot.Store(&CatalogSnapshot{
		Products:  map[string]models.ProductRecord{},
		Inventory: map[string]map[string]models.StoreInventoryRecord{},
	})
	return s
}

// Snapshot returns the current immutable snapshot.
func (s *CatalogService) Snapshot() *CatalogSnapshot {
	return s.snapshot.Load()
}

// Reload publishes a new snapshot. The previous one is retired once the
// last reader drops it; nothing is edited in place.
func (s *CatalogService) Reload(snapshot *CatalogSnapshot) {
	if snapshot.Products == nil {
		snapshot.Products = map[string]models.ProductRecord{}
	}
	if snapshot.Inventory == nil {
		snapshot.Inventory = map[string]map[string]models.StoreInventoryRecord{}
	}
	s.snapshot.Store(snapshot)
	log.Printf("catalog reloaded: %d products, %d stores", len(snapshot.Products), len(snapshot.Inventory))
}

// Get returns the product record for an id, if present.
func (s *CatalogService) Get(id string) (models.ProductRecord, bool) {
	p, ok := s.Snapshot().Products[id]
	return p, ok
}

// GetInventory returns the inventory row for (product, store), if present.
func (s *CatalogService) GetInventory(id, storeID string) (models.StoreInventoryRecord, bool) {
	store, ok := s.Snapshot().Inventory[storeID]
	if !ok {
		return models.StoreInventoryRecord{}, false
	}
	rec, ok := store[id]
	return rec, ok
}

// Brands returns the distinct brand names of the catalog, sorted.
func (s *CatalogService) Brands() []string {
	seen := map[string]struct{}{}
	for _, p := range s.Snapshot().Products {
		brand := strings.ToLower(strings.TrimSpace(p.Brand))
		if brand != "" {
			seen[brand] = struct{}{}
		}
	}
	brands := make([]string, 0, len(seen))
	for b := range seen {
		brands = append(brands, capitalize(b))
	}
	sort.Strings(brands)
	return brands
}

// HasBrand reports whether a brand exists in the catalog. Matching is
// case-insensitive; absence is a normal answer, not an error.
func (s *CatalogService) HasBrand(brand string) bool {
	want := strings.ToLower(strings.TrimSpace(brand))
	for _, p := range s.Snapshot().Products {
		if strings.ToLower(strings.TrimSpace(p.Brand)) == want {
			return true
		}
	}
	return false
}

// CountInStock returns how many products have stock > 0 in a store.
func (s *CatalogService) CountInStock(storeID string) int {
	count := 0
	for _, rec := range s.Snapshot().Inventory[storeID] {
		if rec.Stock > 0 {
			count++
		}
	}
	return count
}

// CountOnPromotion returns how many products are on promotion in a store.
func (s *CatalogService) CountOnPromotion(storeID string) int {
	count := 0
	for _, rec := range s.Snapshot().Inventory[storeID] {
		if rec.OnPromotion() {
			count++
		}
	}
	return count
}

// FilterByPrice returns the ids of products whose store price falls in
// [min, max], optionally restricted to promotions, sorted by price then
// id so the output is deterministic.
func (s *CatalogService) FilterByPrice(storeID string, min, max float64, onlyPromotion bool) []string {
	type priced struct {
		id    string
		price float64
	}
	var matches []priced
	for id, rec := range s.Snapshot().Inventory[storeID] {
		if rec.Price < min || rec.Price > max {
			continue
		}
		if onlyPromotion && !rec.OnPromotion() {
			continue
		}
		matches = append(matches, priced{id: id, price: rec.Price})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].price != matches[j].price {
			return matches[i].price < matches[j].price
		}
		return matches[i].id < matches[j].id
	})
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids
}

// LoadSnapshotFromDir builds a snapshot from a data directory laid out
// the way the refresh job publishes it:
//
//	abm.xlsx  or  productos.csv   product master
//	imagenes.csv                  ean,url
//	stock/bot_<storeID>.csv       per-store stock
func LoadSnapshotFromDir(dir string) (*CatalogSnapshot, error) {
	snapshot := &CatalogSnapshot{
		Products:  map[string]models.ProductRecord{},
		Inventory: map[string]map[string]models.StoreInventoryRecord{},
	}

	xlsxPath := filepath.Join(dir, "abm.xlsx")
	csvPath := filepath.Join(dir, "productos.csv")
	switch {
	case fileExists(xlsxPath):
		if err := loadProductsXLSX(xlsxPath, snapshot); err != nil {
			return nil, err
		}
	case fileExists(csvPath):
		if err := loadProductsCSV(csvPath, snapshot); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("no product master found in %s (expected abm.xlsx or productos.csv)", dir)
	}

	imagesPath := filepath.Join(dir, "imagenes.csv")
	if fileExists(imagesPath) {
		if err := loadImagesCSV(imagesPath, snapshot); err != nil {
			log.Printf("warning: failed to load image URLs: %v", err)
		}
	}

	stockDir := filepath.Join(dir, "stock")
	entries, err := os.ReadDir(stockDir)
	if err != nil {
		log.Printf("warning: no stock directory at %s: %v", stockDir, err)
		return snapshot, nil
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "bot_") || !strings.HasSuffix(name, ".csv") {
			continue
		}
		storeID := strings.TrimSuffix(strings.TrimPrefix(name, "bot_"), ".csv")
		if err := loadStockCSV(filepath.Join(stockDir, name), storeID, snapshot); err != nil {
			log.Printf("warning: failed to load stock for store %s: %v", storeID, err)
		}
	}

	return snapshot, nil
}

// loadProductsCSV reads the product master CSV:
// ean,marca,nombre,presentacion,categoria,beneficios,indicaciones,modo_de_uso,propiedades,descripcion
func loadProductsCSV(path string, snapshot *CatalogSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open product master: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read product master: %w", err)
		}
		if header {
			header = false
			continue
		}
		record, ok := productFromRow(row)
		if !ok {
			continue
		}
		snapshot.Products[record.ID] = record
	}
	return nil
}

// loadProductsXLSX reads the same columns from the first sheet of the
// ABM workbook exported by the admin spreadsheet.
func loadProductsXLSX(path string, snapshot *CatalogSnapshot) error {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("failed to open ABM workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return fmt.Errorf("ABM workbook %s has no sheets", path)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return fmt.Errorf("failed to read ABM sheet: %w", err)
	}
	for i, row := range rows {
		if i == 0 {
			continue // header
		}
		record, ok := productFromRow(row)
		if !ok {
			continue
		}
		snapshot.Products[record.ID] = record
	}
	return nil
}

func productFromRow(row []string) (models.ProductRecord, bool) {
	if len(row) < 3 || strings.TrimSpace(row[0]) == "" {
		return models.ProductRecord{}, false
	}
	get := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	return models.ProductRecord{
		ID:           get(0),
		Brand:        get(1),
		Name:         get(2),
		Presentation: get(3),
		Category:     get(4),
		Benefits:     get(5),
		Indications:  get(6),
		UsageMode:    get(7),
		Properties:   get(8),
		Description:  get(9),
	}, true
}

// loadStockCSV reads one store's stock file:
// sucursal,ean,stock,precio,promocion[,precio_promocion]
func loadStockCSV(path, storeID string, snapshot *CatalogSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open stock file: %w", err)
	}
	defer f.Close()

	store := snapshot.Inventory[storeID]
	if store == nil {
		store = map[string]models.StoreInventoryRecord{}
		snapshot.Inventory[storeID] = store
	}

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read stock file: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(row) < 5 {
			continue
		}
		id := strings.TrimSpace(row[1])
		if id == "" {
			continue
		}
		stock, _ := strconv.Atoi(strings.TrimSpace(row[2]))
		price, _ := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
		promotion := strings.TrimSpace(row[4])
		if promotion == "" {
			promotion = "no promo"
		}
		rec := models.StoreInventoryRecord{
			ProductID: id,
			StoreID:   storeID,
			Stock:     stock,
			Price:     price,
			Promotion: promotion,
		}
		if len(row) > 5 {
			rec.PromotionPrice, _ = strconv.ParseFloat(strings.TrimSpace(row[5]), 64)
		}
		store[id] = rec
	}
	return nil
}

// loadImagesCSV reads ean,url pairs and attaches them to products.
func loadImagesCSV(path string, snapshot *CatalogSnapshot) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open images file: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	header := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read images file: %w", err)
		}
		if header {
			header = false
			continue
		}
		if len(row) < 2 {
			continue
		}
		id := strings.TrimSpace(row[0])
		if p, ok := snapshot.Products[id]; ok {
			p.ImageURL = strings.TrimSpace(row[1])
			snapshot.Products[id] = p
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
