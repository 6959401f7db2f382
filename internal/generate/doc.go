// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package generate reads incrementally generated text from a model server.
//
// A Source streams Chunks to a callback. HTTPSource speaks both the Ollama
// NDJSON framing and the OpenAI Server-Sent Events framing, trying a small
// fixed list of endpoint paths until one answers.
//
// # Key Types
//
//   - Source: cancellable chunked read of generated text
//   - HTTPSource: Source backed by an HTTP model server
//   - Chunk: one content delta plus optional media references
//   - StreamReader / SSEReader: framing decoders with pooled buffers
//
// # Errors
//
//   - ErrCancelled: the caller's context ended. Never retried.
//   - TransientFetchError: network failure or non-success status for one
//     endpoint path. Retried against the next path.
//   - MalformedChunkError: one undecodable fragment. Skipped.
//   - AggregateError: every endpoint path failed.
//
// # Usage
//
//	src := generate.NewHTTPSource(generate.Config{BaseURL: "http://127.0.0.1:11434"}, logger)
//	err := src.Stream(ctx, generate.Request{Model: "qwen2.5:7b", Messages: msgs},
//	    func(c generate.Chunk) { fmt.Print(c.Delta) })
//	if generate.IsCancelled(err) {
//	    return
//	}
package generate
