// Package llm - Connector factory
package llm

import (
	"fmt"
	"net/http"
	"time"
)

// ConnectorOptions configures NewConnector.
type ConnectorOptions struct {
	BaseURL    string       // OpenAI-compatible or proxy endpoint
	HTTPClient *http.Client // nil: a client without overall timeout, streams are bounded by ctx
}

// NewConnector creates a connector for driver ("gemini", "openai", "anthropic").
func NewConnector(driver string, opts ConnectorOptions) (Connector, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 2 * time.Minute,
			IdleConnTimeout:       90 * time.Second,
		}}
	}
	switch driver {
	case "gemini", "":
		return NewGeminiConnector(opts), nil
	case "openai":
		return NewOpenAIConnector(opts), nil
	case "anthropic":
		return NewAnthropicConnector(opts), nil
	default:
		return nil, fmt.Errorf("unknown provider driver: %s", driver)
	}
}
