package dispatch

import (
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/llmlb/llmlb/types"
)

// route describes one client-facing OpenAI-compatible surface.
type route struct {
	pattern string
	method  string
	cap     types.Capability
}

// Routes lists every client-facing route §6 defines; RegisterRoutes mounts
// them on the client mux that cmd/llmlb/server.go builds.
var Routes = []route{
	{"/v1/chat/completions", http.MethodPost, types.CapabilityChat},
	{"/v1/completions", http.MethodPost, types.CapabilityChat},
	{"/v1/embeddings", http.MethodPost, types.CapabilityEmbeddings},
	{"/v1/audio/transcriptions", http.MethodPost, types.CapabilityAudioTranscription},
	{"/v1/audio/speech", http.MethodPost, types.CapabilityAudioSpeech},
	{"/v1/images/generations", http.MethodPost, types.CapabilityImageGeneration},
	{"/v1/images/edits", http.MethodPost, types.CapabilityImageGeneration},
	{"/v1/images/variations", http.MethodPost, types.CapabilityImageGeneration},
}

// RegisterRoutes wires every client-facing route onto mux.
func (d *Dispatcher) RegisterRoutes(mux *http.ServeMux) {
	for _, rt := range Routes {
		rt := rt
		mux.HandleFunc(rt.pattern, func(w http.ResponseWriter, r *http.Request) {
			if r.Method != rt.method {
				writeOpenAIError(w, types.NewInvalidRequestError("method not allowed"))
				return
			}
			d.handleInference(w, r, rt.cap)
		})
	}
	mux.HandleFunc("/v1/models", d.handleModelsList)
	mux.HandleFunc("/v1/models/", d.handleModelGet)
}

// handleInference is the single entry point for every proxied inference
// route: resolve model → admit → select → forward → account, per §4.4.7.
func (d *Dispatcher) handleInference(w http.ResponseWriter, r *http.Request, cap types.Capability) {
	start := time.Now()
	ctx := r.Context()

	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		writeOpenAIError(w, types.NewInvalidRequestError("failed to read request body"))
		return
	}

	model, streamReq, parseErr := extractModel(r, bodyBytes)
	if parseErr != nil {
		writeOpenAIError(w, parseErr)
		return
	}

	candidates, resolveErr := d.resolveModel(ctx, model, cap)
	if resolveErr != nil {
		writeOpenAIError(w, resolveErr)
		return
	}

	wait, admitErr := d.admission.Wait(ctx, asCandidates(candidates))
	if admitErr != nil {
		d.writeAdmissionError(w, admitErr)
		return
	}
	if wait > 0 {
		w.Header().Set("X-Queue-Status", "queued")
		w.Header().Set("X-Queue-Wait-Ms", strconv.FormatInt(wait.Milliseconds(), 10))
	}

	// Capacity may have shifted while queued; re-resolve against current state.
	candidates, resolveErr = d.resolveModel(ctx, model, cap)
	if resolveErr != nil {
		writeOpenAIError(w, resolveErr)
		return
	}
	ep := d.selectEndpoint(candidates)

	d.load.Inc(ep.ID)
	defer d.load.Dec(ep.ID)

	resp, fwdErr := d.upstreamCall(ctx, ep, r.Method, r.URL.Path, r.URL.RawQuery, r.Header, bodyBytes)
	if resp == nil {
		// No response at all: transport failure or an open circuit. Any
		// non-2xx status, by contrast, still produced a resp and is
		// handled below — §4.4.5 treats both as an inference failure, but
		// only a transport/connection failure has no body to propagate.
		d.exclusions.RecordFailure(ep.ID, model)
		d.recordOutcome(r, ep.ID, model, 0, start, types.TokenUsage{}, fwdErr)
		writeOpenAIError(w, asTypesError(fwdErr))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		d.exclusions.RecordFailure(ep.ID, model)
	} else {
		d.exclusions.RecordSuccess(ep.ID, model)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		// §4.4.7: 5xx is never passed through verbatim.
		resp.Body.Close()
		d.recordOutcome(r, ep.ID, model, resp.StatusCode, start, types.TokenUsage{}, nil)
		writeOpenAIError(w, types.NewBadGatewayError("upstream returned a server error"))
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	contentType := resp.Header.Get("Content-Type")
	isStream := streamReq || strings.Contains(contentType, "text/event-stream")
	w.WriteHeader(resp.StatusCode)

	var usage types.TokenUsage
	if isStream {
		n, copyErr := copyStreamed(w, resp)
		if copyErr != nil {
			d.logger.Warn("stream copy interrupted", zap.String("endpoint_id", ep.ID), zap.Error(copyErr))
		}
		usage.PromptTokens = promptTokens(model, parseChatBody(bodyBytes))
		usage.CompletionTokens = streamedCompletionTokens(n)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	} else {
		respBytes, _ := io.ReadAll(resp.Body)
		w.Write(respBytes)
		if parsed, ok := usageFromBody(respBytes); ok {
			usage = parsed
		} else {
			usage.PromptTokens = promptTokens(model, parseChatBody(bodyBytes))
		}
	}

	d.recordOutcome(r, ep.ID, model, resp.StatusCode, start, usage, nil)
}

func (d *Dispatcher) recordOutcome(r *http.Request, endpointID, model string, status int, start time.Time, usage types.TokenUsage, err error) {
	duration := time.Since(start)
	outcome := "success"
	if status == 0 || status >= http.StatusBadRequest {
		outcome = "error"
	}
	if d.metrics != nil {
		d.metrics.RecordLLMRequest(endpointID, model, outcome, duration, usage.PromptTokens, usage.CompletionTokens, usage.Cost)
	}
	if d.audit == nil {
		return
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	d.audit.Send(types.AuditLogEntry{
		Timestamp:  start,
		Method:     r.Method,
		Path:       r.URL.Path,
		StatusCode: status,
		ActorKind:  actorKindFor(r),
		ActorID:    actorIDFor(r),
		ClientIP:   clientIP(r),
		DurationMs: duration.Milliseconds(),
		TokenUsage: usage,
		Model:      model,
		EndpointID: endpointID,
		Detail:     detail,
	})
}

func (d *Dispatcher) writeAdmissionError(w http.ResponseWriter, err error) {
	te := asTypesError(err)
	if te.Kind == types.ErrGatewayTimeout || te.Kind == types.ErrRateLimit {
		w.Header().Set("Retry-After", "1")
	}
	if te.Kind == types.ErrRateLimit {
		w.Header().Set("X-Queue-Status", "rejected")
	}
	writeOpenAIError(w, te)
}

func asTypesError(err error) *types.Error {
	if te, ok := err.(*types.Error); ok {
		return te
	}
	return types.NewServerError(err.Error())
}

func actorKindFor(r *http.Request) types.ActorKind {
	if apiKeyFromRequest(r) != "" {
		return types.ActorAPIKey
	}
	return types.ActorSystem
}

func actorIDFor(r *http.Request) string {
	key := apiKeyFromRequest(r)
	if len(key) <= 8 {
		return key
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func apiKeyFromRequest(r *http.Request) string {
	if key := r.Header.Get("X-Api-Key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("api_key")
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

var hopByHopResponseHeaders = map[string]struct{}{
	"Connection":        {},
	"Keep-Alive":        {},
	"Transfer-Encoding": {},
	"Content-Length":    {},
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vs := range src {
		if _, skip := hopByHopResponseHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// handleModelsList serves the aggregate GET /v1/models view in the OpenAI
// list-object shape.
func (d *Dispatcher) handleModelsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpenAIError(w, types.NewInvalidRequestError("method not allowed"))
		return
	}
	models, err := d.catalog.List(r.Context())
	if err != nil {
		writeOpenAIError(w, asTypesError(err))
		return
	}
	data := make([]map[string]any, 0, len(models))
	for _, m := range models {
		data = append(data, map[string]any{
			"id":           m.ID,
			"object":       "model",
			"max_tokens":   m.MaxTokens,
			"capabilities": m.Capabilities.Slice(),
			"endpoint_ids": m.Endpoints,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": data})
}

// handleModelGet serves GET /v1/models/{id}.
func (d *Dispatcher) handleModelGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeOpenAIError(w, types.NewInvalidRequestError("method not allowed"))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/models/")
	if id == "" {
		d.handleModelsList(w, r)
		return
	}
	models, err := d.catalog.List(r.Context())
	if err != nil {
		writeOpenAIError(w, asTypesError(err))
		return
	}
	for _, m := range models {
		if m.ID == id {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":           m.ID,
				"object":       "model",
				"max_tokens":   m.MaxTokens,
				"capabilities": m.Capabilities.Slice(),
				"endpoint_ids": m.Endpoints,
			})
			return
		}
	}
	writeOpenAIError(w, types.NewNotFoundError("model not found").WithCode("model_not_found"))
}

// extractModel reads the targeted model and stream flag out of a request,
// supporting both JSON bodies and multipart form uploads (audio/image
// endpoints send the model as a plain form field alongside the file).
func extractModel(r *http.Request, body []byte) (model string, stream bool, err *types.Error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, _ := mime.ParseMediaType(contentType)
	if strings.HasPrefix(mediaType, "multipart/") {
		boundary, ok := params["boundary"]
		if !ok {
			return "", false, types.NewInvalidRequestError("missing multipart boundary")
		}
		return extractModelFromMultipart(body, boundary)
	}

	b := parseChatBody(body)
	if b.Model == "" {
		return "", false, types.NewInvalidRequestError("request is missing a model field")
	}
	return b.Model, b.Stream, nil
}

func parseChatBody(body []byte) chatRequestBody {
	var b chatRequestBody
	_ = json.Unmarshal(body, &b)
	return b
}

func extractModelFromMultipart(body []byte, boundary string) (string, bool, *types.Error) {
	reader := multipart.NewReader(strings.NewReader(string(body)), boundary)
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", false, types.NewInvalidRequestError("malformed multipart body")
		}
		if part.FormName() == "model" {
			data, _ := io.ReadAll(part)
			return strings.TrimSpace(string(data)), false, nil
		}
	}
	return "", false, types.NewInvalidRequestError("request is missing a model field")
}

// writeOpenAIError renders err in the OpenAI error envelope shape.
func writeOpenAIError(w http.ResponseWriter, err *types.Error) {
	status := err.HTTPStatus()
	code := err.Code
	if code == "" {
		code = strconv.Itoa(status)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": err.Message,
			"type":    string(err.Kind),
			"code":    code,
		},
	})
}
