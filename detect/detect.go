package detect

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/llmlb/llmlb/internal/tlsutil"
	"github.com/llmlb/llmlb/types"
)

// DefaultProbeTimeout is the per-attempt deadline when the caller doesn't
// supply its own context deadline.
const DefaultProbeTimeout = 5 * time.Second

// nativeHealthPaths maps a dialect to its own health endpoint, when it has
// one distinct from the generic /v1/models fallback used by §4.3's prober.
var nativeHealthPaths = map[types.EndpointType]string{
	types.EndpointXLLM: "/api/health",
}

// HealthPath returns the dialect's native health-check path, or "" if the
// prober should fall back to GET /v1/models.
func HealthPath(t types.EndpointType) string {
	return nativeHealthPaths[t]
}

// Outcome classifies a Detect call independent of which dialect (if any)
// matched.
type Outcome string

const (
	// OutcomeMatched means a dialect descriptor matched; Result.Type is set.
	OutcomeMatched Outcome = "matched"
	// OutcomeUnsupported means at least one probe received an HTTP response
	// but none of the descriptors matched it.
	OutcomeUnsupported Outcome = "unsupported"
	// OutcomeUnreachable means no probe received any HTTP response at all.
	OutcomeUnreachable Outcome = "unreachable"
)

// Result is the outcome of a detection sweep, kept for operator diagnostics.
type Result struct {
	Type    types.EndpointType
	Outcome Outcome
	Reason  string
}

// probe is one dialect's matcher. It returns (matched, responded, reason).
// responded is true whenever an HTTP response (any status) was obtained,
// even if it didn't match — this is what distinguishes "unsupported" from
// "unreachable" at the Detect level.
type probe func(ctx context.Context, client *http.Client, baseURL, apiKey string) (matched, responded bool, reason string)

// probes runs in strict priority order; the first match wins.
var probes = []struct {
	typ   types.EndpointType
	check probe
}{
	{types.EndpointXLLM, probeXLLM},
	{types.EndpointLMStudio, probeLMStudio},
	{types.EndpointOllama, probeOllama},
	{types.EndpointVLLM, probeVLLM},
	{types.EndpointOpenAICompatible, probeOpenAICompatible},
}

// Detect runs the dialect probes against baseURL in priority order and
// returns the first match, per component design §4.2.
func Detect(ctx context.Context, baseURL, apiKey string) Result {
	client := tlsutil.SecureHTTPClient(DefaultProbeTimeout)

	anyResponded := false
	for _, p := range probes {
		matched, responded, reason := p.check(ctx, client, baseURL, apiKey)
		anyResponded = anyResponded || responded
		if matched {
			return Result{Type: p.typ, Outcome: OutcomeMatched, Reason: reason}
		}
	}

	if anyResponded {
		return Result{Type: types.EndpointUnknown, Outcome: OutcomeUnsupported, Reason: "no dialect descriptor matched any probe response"}
	}
	return Result{Type: types.EndpointUnknown, Outcome: OutcomeUnreachable, Reason: "no probe received an HTTP response"}
}

func doGet(ctx context.Context, client *http.Client, url, apiKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return client.Do(req)
}

func readJSON(resp *http.Response, dest any) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dest)
}

func probeXLLM(ctx context.Context, client *http.Client, baseURL, apiKey string) (bool, bool, string) {
	resp, err := doGet(ctx, client, baseURL+"/api/system", apiKey)
	if err != nil {
		return false, false, ""
	}
	var payload map[string]any
	if decodeErr := readJSON(resp, &payload); decodeErr != nil {
		return false, true, "GET /api/system did not return JSON"
	}
	if _, ok := payload["xllm_version"]; ok {
		return true, true, "GET /api/system returned xllm_version"
	}
	return false, true, "GET /api/system missing xllm_version field"
}

func probeLMStudio(ctx context.Context, client *http.Client, baseURL, apiKey string) (bool, bool, string) {
	responded := false

	if resp, err := doGet(ctx, client, baseURL+"/api/v1/models", apiKey); err == nil {
		responded = true
		var payload struct {
			Data   []map[string]any `json:"data"`
			Models []map[string]any `json:"models"`
		}
		if readJSON(resp, &payload) == nil {
			for _, rec := range append(payload.Data, payload.Models...) {
				if looksLikeLMStudioRecord(rec) {
					return true, true, "GET /api/v1/models returned an LM-Studio-shaped record"
				}
			}
		}
	}

	if resp, err := doGet(ctx, client, baseURL+"/v1/models", apiKey); err == nil {
		responded = true
		if hasLMStudioToken(resp.Header.Get("Server")) {
			resp.Body.Close()
			return true, true, "GET /v1/models Server header names LM Studio"
		}
		var payload struct {
			Data []struct {
				OwnedBy string `json:"owned_by"`
			} `json:"data"`
		}
		if readJSON(resp, &payload) == nil {
			for _, d := range payload.Data {
				if hasLMStudioToken(d.OwnedBy) {
					return true, true, "GET /v1/models owned_by names LM Studio"
				}
			}
		}
	}

	return false, responded, "no LM Studio marker found"
}

func looksLikeLMStudioRecord(rec map[string]any) bool {
	_, hasPublisher := rec["publisher"]
	_, hasArch := rec["arch"]
	_, hasArchitecture := rec["architecture"]
	if !hasPublisher || !(hasArch || hasArchitecture) {
		return false
	}
	for _, key := range []string{"state", "loaded_instances", "key", "display_name", "format", "compatibility_type"} {
		if _, ok := rec[key]; ok {
			return true
		}
	}
	return false
}

// hasLMStudioToken implements the "runs of ASCII alphanumerics" token
// boundary rule of §4.2: it matches either the single token "lmstudio" or
// the token sequence "lm" immediately followed by "studio".
func hasLMStudioToken(s string) bool {
	tokens := alnumTokens(s)
	for i, tok := range tokens {
		if tok == "lmstudio" {
			return true
		}
		if tok == "lm" && i+1 < len(tokens) && tokens[i+1] == "studio" {
			return true
		}
	}
	return false
}

func alnumTokens(s string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, strings.ToLower(cur.String()))
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
			cur.WriteRune(r)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func probeOllama(ctx context.Context, client *http.Client, baseURL, apiKey string) (bool, bool, string) {
	resp, err := doGet(ctx, client, baseURL+"/api/tags", apiKey)
	if err != nil {
		return false, false, ""
	}
	var payload struct {
		Models []any `json:"models"`
	}
	if readJSON(resp, &payload) != nil {
		return false, true, "GET /api/tags did not return JSON"
	}
	if payload.Models != nil {
		return true, true, "GET /api/tags returned a models array"
	}
	return false, true, "GET /api/tags missing models array"
}

func probeVLLM(ctx context.Context, client *http.Client, baseURL, apiKey string) (bool, bool, string) {
	resp, err := doGet(ctx, client, baseURL+"/v1/models", apiKey)
	if err != nil {
		return false, false, ""
	}
	server := resp.Header.Get("Server")
	if containsToken(server, "vllm") {
		resp.Body.Close()
		return true, true, "GET /v1/models Server header names vLLM"
	}
	var payload struct {
		Data []struct {
			OwnedBy string `json:"owned_by"`
		} `json:"data"`
	}
	if readJSON(resp, &payload) == nil {
		for _, d := range payload.Data {
			if containsToken(d.OwnedBy, "vllm") {
				return true, true, "GET /v1/models owned_by names vLLM"
			}
		}
	}
	return false, true, "no vLLM marker found"
}

func containsToken(s, token string) bool {
	for _, t := range alnumTokens(s) {
		if t == token {
			return true
		}
	}
	return false
}

func probeOpenAICompatible(ctx context.Context, client *http.Client, baseURL, apiKey string) (bool, bool, string) {
	resp, err := doGet(ctx, client, baseURL+"/v1/models", apiKey)
	if err != nil {
		return false, false, ""
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return false, true, "GET /v1/models did not return 200"
	}
	var payload struct {
		Data   []any  `json:"data"`
		Object string `json:"object"`
	}
	if readJSON(resp, &payload) != nil {
		return false, true, "GET /v1/models did not return JSON"
	}
	if payload.Data != nil || payload.Object != "" {
		return true, true, "GET /v1/models returned an OpenAI-shaped models list"
	}
	return false, true, "GET /v1/models response has neither data nor object field"
}
