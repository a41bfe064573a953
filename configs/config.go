package config

import (
	"os"
	"strconv"
)

// Config holds the application configuration
type Config struct {
	Port                 string
	Environment          string
	APIKey               string
	OpenAIEndpoint       string
	OpenAIAPIKey         string
	OpenAIChatModel      string
	OpenAIEmbeddingModel string
	QdrantURL            string
	QdrantAPIKey         string
	DataDir              string
	FunctionCatalogPath  string
	SystemPromptPath     string
	MaxAnswerTokens      int
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	return &Config{
		Port:                 getEnv("PORT", "8080"),
		Environment:          getEnv("ENVIRONMENT", "development"),
		APIKey:               getEnv("API_KEY", "default_secret_key"),
		OpenAIEndpoint:       getEnv("OPENAI_ENDPOINT", "https://api.openai.com/v1"),
		OpenAIAPIKey:         getEnv("OPENFARMA_API_KEY", ""),
		OpenAIChatModel:      getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		OpenAIEmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
		QdrantURL:            getEnv("QDRANT_URL", "localhost:6334"),
		QdrantAPIKey:         getEnv("QDRANT_API_KEY", ""),
		DataDir:              getEnv("DATA_DIR", "database"),
		FunctionCatalogPath:  getEnv("FUNCTION_CATALOG_PATH", "configs/functions.json"),
		SystemPromptPath:     getEnv("SYSTEM_PROMPT_PATH", "configs/system_prompt.yaml"),
		MaxAnswerTokens:      getEnvInt("MAX_ANSWER_TOKENS", 1500),
	}
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
