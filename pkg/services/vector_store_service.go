package services

import (
	"context"
	"crypto/tls"
	"fmt"
	"log"
	"time"

	"farma-chat-api/pkg/models"

	"github.com/google/uuid"
	qdrant "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Facet index names. Each facet has its own Qdrant collection; queries
// never cross facets and scores are never compared across them.
const (
	IndexDescripcion  = "descripcion" // general free-text index
	IndexBeneficios   = "beneficios"
	IndexCategorias   = "categorias"
	IndexIndicaciones = "indicaciones"
	IndexModoDeUso    = "modo_de_uso"
	IndexPropiedades  = "propiedades"
)

// Default result volumes: facet queries stay small, the general index
// casts a wide net that the context assembler then trims.
const (
	DefaultFacetTopK   = 5
	DefaultGeneralTopK = 30
	MaxTopK            = 50
)

var facetCollections = map[string]string{
	IndexDescripcion:  "productos_descripcion",
	IndexBeneficios:   "productos_beneficios",
	IndexCategorias:   "productos_categorias",
	IndexIndicaciones: "productos_indicaciones",
	IndexModoDeUso:    "productos_modo_de_uso",
	IndexPropiedades:  "productos_propiedades",
}

const embeddingDimensions = 1536 // text-embedding-3-small

// Embedder turns query text into a vector. Satisfied by the OpenAI client.
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// VectorStoreService wraps the per-facet semantic indexes in Qdrant.
type VectorStoreService struct {
	points      qdrant.PointsClient
	collections qdrant.CollectionsClient
	embedder    Embedder
}

// NewVectorStoreService connects to Qdrant and makes sure every facet
// collection exists. The server may still be starting, so the first
// listing is retried before giving up.
func NewVectorStoreService(embedder Embedder, qdrantURL, qdrantAPIKey string) (*VectorStoreService, error) {
	var dialOpts []grpc.DialOption

	// An API key means a managed (TLS) deployment; otherwise local plaintext.
	if qdrantAPIKey != "" {
		creds := credentials.NewTLS(&tls.Config{})
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))

		authInterceptor := func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
			ctx = metadata.AppendToOutgoingContext(ctx, "api-key", qdrantAPIKey)
			return invoker(ctx, method, req, reply, cc, opts...)
		}
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(authInterceptor))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	conn, err := grpc.NewClient(qdrantURL, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Qdrant gRPC client: %w", err)
	}

	s := &VectorStoreService{
		points:      qdrant.NewPointsClient(conn),
		collections: qdrant.NewCollectionsClient(conn),
		embedder:    embedder,
	}

	maxRetries := 10
	retryInterval := 2 * time.Second
	var existing map[string]bool
	var listErr error
	for i := 0; i < maxRetries; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		res, err := s.collections.List(ctx, &qdrant.ListCollectionsRequest{})
		cancel()
		listErr = err
		if err == nil {
			existing = map[string]bool{}
			for _, collection := range res.GetCollections() {
				existing[collection.GetName()] = true
			}
			break
		}
		log.Printf("Qdrant not ready (attempt %d/%d), retrying in %v...", i+1, maxRetries, retryInterval)
		time.Sleep(retryInterval)
	}
	if listErr != nil {
		return nil, fmt.Errorf("failed to list Qdrant collections after retries: %w", listErr)
	}

	for _, collection := range facetCollections {
		if existing[collection] {
			continue
		}
		log.Printf("creating Qdrant collection '%s'", collection)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := s.collections.Create(ctx, &qdrant.CreateCollection{
			CollectionName: collection,
			VectorsConfig: &qdrant.VectorsConfig{
				Config: &qdrant.VectorsConfig_Params{
					Params: &qdrant.VectorParams{
						Size:     embeddingDimensions,
						Distance: qdrant.Distance_Cosine,
					},
				},
			},
		})
		cancel()
		if err != nil {
			return nil, fmt.Errorf("failed to create collection %s: %w", collection, err)
		}
	}

	return s, nil
}

// clampTopK applies the [1, MaxTopK] bound with a facet-aware default.
func clampTopK(indexName string, topK int) int {
	if topK <= 0 {
		if indexName == IndexDescripcion {
			return DefaultGeneralTopK
		}
		return DefaultFacetTopK
	}
	if topK > MaxTopK {
		return MaxTopK
	}
	return topK
}

// Query runs a similarity search against one facet index. An unknown
// index name is a configuration error; an empty index returns an empty
// result, because absence of matches is a normal outcome.
func (s *VectorStoreService) Query(ctx context.Context, indexName, text string, topK int) (models.RetrievalResult, error) {
	collection, ok := facetCollections[indexName]
	if !ok {
		return models.RetrievalResult{}, models.NewAppError(models.CodeConfigurationError,
			fmt.Sprintf("unknown semantic index %q", indexName), nil)
	}
	topK = clampTopK(indexName, topK)

	vector, err := s.embedder.CreateEmbedding(ctx, text)
	if err != nil {
		return models.RetrievalResult{}, models.NewAppError(models.CodeTransportError,
			"failed to embed query text", err)
	}

	withPayload := true
	searchResult, err := s.points.Search(ctx, &qdrant.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: withPayload}},
	})
	if err != nil {
		// A collection that was dropped out from under us is an empty
		// index, not a failure: no matches is a normal outcome.
		if status.Code(err) == codes.NotFound {
			return models.RetrievalResult{Index: indexName}, nil
		}
		return models.RetrievalResult{}, models.NewAppError(models.CodeTransportError,
			fmt.Sprintf("similarity search on %s failed", indexName), err)
	}

	result := models.RetrievalResult{Index: indexName}
	seen := map[string]bool{}
	for _, point := range searchResult.GetResult() {
		id := payloadString(point.GetPayload(), "ean")
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result.Entries = append(result.Entries, models.ScoredID{ID: id, Score: point.GetScore()})
	}
	return result, nil
}

// IndexProducts rebuilds one facet collection from a catalog snapshot.
// Used by the refresh job; the serving path never writes.
func (s *VectorStoreService) IndexProducts(ctx context.Context, indexName string, snapshot *CatalogSnapshot) error {
	collection, ok := facetCollections[indexName]
	if !ok {
		return models.NewAppError(models.CodeConfigurationError,
			fmt.Sprintf("unknown semantic index %q", indexName), nil)
	}

	for id, product := range snapshot.Products {
		text := facetText(indexName, product)
		if text == "" {
			continue
		}
		vector, err := s.embedder.CreateEmbedding(ctx, text)
		if err != nil {
			return models.NewAppError(models.CodeTransportError,
				fmt.Sprintf("failed to embed product %s", id), err)
		}

		waitUpsert := true
		_, err = s.points.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: collection,
			Wait:           &waitUpsert,
			Points: []*qdrant.PointStruct{
				{
					Id: &qdrant.PointId{
						PointIdOptions: &qdrant.PointId_Uuid{Uuid: uuid.NewSHA1(uuid.NameSpaceOID, []byte(collection+"/"+id)).String()},
					},
					Vectors: &qdrant.Vectors{
						VectorsOptions: &qdrant.Vectors_Vector{
							Vector: &qdrant.Vector{Data: vector},
						},
					},
					Payload: map[string]*qdrant.Value{
						"ean":   {Kind: &qdrant.Value_StringValue{StringValue: id}},
						"marca": {Kind: &qdrant.Value_StringValue{StringValue: product.Brand}},
						"text":  {Kind: &qdrant.Value_StringValue{StringValue: text}},
					},
				},
			},
		})
		if err != nil {
			return models.NewAppError(models.CodeTransportError,
				fmt.Sprintf("failed to upsert product %s into %s", id, collection), err)
		}
	}
	log.Printf("indexed %d products into '%s'", len(snapshot.Products), collection)
	return nil
}

// facetText builds the embedded text representation for one facet, e.g.
// the benefits index embeds "brand name presentation benefits".
func facetText(indexName string, p models.ProductRecord) string {
	base := p.Brand + " " + p.Name + " " + p.Presentation
	switch indexName {
	case IndexDescripcion:
		return base + " " + p.Description
	case IndexBeneficios:
		if p.Benefits == "" {
			return ""
		}
		return base + " " + p.Benefits
	case IndexCategorias:
		if p.Category == "" {
			return ""
		}
		return base + " " + p.Category
	case IndexIndicaciones:
		if p.Indications == "" {
			return ""
		}
		return base + " " + p.Indications
	case IndexModoDeUso:
		if p.UsageMode == "" {
			return ""
		}
		return base + " " + p.UsageMode
	case IndexPropiedades:
		if p.Properties == "" {
			return ""
		}
		return base + " " + p.Properties
	}
	return ""
}

// payloadString extracts a string value from a Qdrant payload.
func payloadString(payload map[string]*qdrant.Value, key string) string {
	if val, ok := payload[key]; ok && val != nil {
		return val.GetStringValue()
	}
	return ""
}
