// Copyright (c) LLMLB Authors.
// Licensed under the MIT License.

// Package detect identifies which inference-server dialect a base URL speaks.
//
// Detect probes a candidate endpoint in strict priority order (xLLM, LM
// Studio, Ollama, vLLM, OpenAI-compatible) and returns the first dialect
// whose descriptor matches the observed response. Dialect differences live
// in one descriptor table keyed by types.EndpointType rather than in an
// interface hierarchy, so adding a dialect means adding a table row.
package detect
