// Package llm provides the narrow interface c2trail uses to ask a language
// model for a narrative of one session timeline.
//
// # Architecture
//
// Provider implementations live in subpackages. To avoid import cycles a
// subpackage (like ollama) defines its own message types and this package
// bridges them with a small adapter.
//
//	┌──────────────┐
//	│ llm package  │  ← Provider interface, NewProvider factory
//	└──────┬───────┘
//	       │
//	┌──────▼──────┐
//	│ llm/ollama  │
//	└─────────────┘
//
// # Usage
//
//	provider, err := llm.NewProvider(cfg.LLM, logger)
//	if err != nil {
//	    return err
//	}
//	stream, err := provider.ChatStream(ctx, messages, &llm.ChatOptions{Temperature: 0.2})
//	for event := range stream {
//	    if event.Error != nil {
//	        return event.Error
//	    }
//	    fmt.Print(event.Content)
//	}
package llm
