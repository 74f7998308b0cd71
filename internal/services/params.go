package services

// LLMParameters holds the optional sampling parameters shared by the direct LLM backends. Nil fields
// leave the provider default in place.
type LLMParameters struct {
	Temperature *float32 `yaml:"temperature"`
	TopP        *float32 `yaml:"topP"`
	MaxTokens   int      `yaml:"maxTokens"`
}
