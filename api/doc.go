// Package api provides the OpenAPI/Swagger documentation and wire-format
// response envelopes for the llmlb HTTP API.
//
// # API Overview
//
// llmlb is a load-balancing reverse proxy for OpenAI-compatible inference
// endpoints. It exposes two route surfaces:
//   - Client-facing routes (chat completions, embeddings, models list) that
//     accept and return the OpenAI wire protocol unchanged, proxied to one
//     of the registered upstream endpoints.
//   - A management API (endpoint registration and configuration management)
//     guarded by JWT bearer auth, using the api.Response
//     envelope defined in this package.
//
// # Authentication
//
// Client-facing routes authenticate with an API key:
//
//	Authorization: Bearer <api-key>
//
// Management routes authenticate with a JWT bearer token:
//
//	Authorization: Bearer <jwt>
//
// # Base URL
//
// The default base URL for the API is:
//
//	http://localhost:8080
//
// # OpenAPI Specification
//
// The handlers carry swag annotations. No generated specification is
// checked in, and the server does not serve one.
//
// # Generating Documentation
//
// To generate Swagger documentation from the annotations using swag:
//
//	swag init -g cmd/llmlb/main.go -o api --parseDependency --parseInternal
package api
