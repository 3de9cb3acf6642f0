package engine

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	OllamaBaseURL string
}

// Detect probes available local inference backends and returns the best
// one. Currently always returns an OllamaEngine; the seam exists so an
// alternative OpenAI-compatible backend can slot in without touching
// callers.
func Detect(cfg DetectConfig) (Engine, error) {
	return NewOllamaEngine(cfg.OllamaBaseURL), nil
}
