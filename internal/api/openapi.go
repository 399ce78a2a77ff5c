package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the shellbot API.
func buildOpenAPIDoc() map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}
	op := func(summary, scope string, responses map[string]any) map[string]any {
		o := map[string]any{
			"summary":   summary,
			"responses": responses,
		}
		if scope != "" {
			o["security"] = secured
			o["x-required-scope"] = scope
		}
		return o
	}
	resp := func(codes ...string) map[string]any {
		out := map[string]any{}
		for _, c := range codes {
			out[c] = map[string]any{"description": statusText[c]}
		}
		return out
	}

	postMessage := op("Submit a chat line", "messages:rw", resp("200", "202", "400", "401", "403", "503"))
	postMessage["requestBody"] = map[string]any{
		"required": true,
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{
					"type":     "object",
					"required": []string{"sender", "channel", "text"},
					"properties": map[string]any{
						"sender":  map[string]any{"type": "string"},
						"channel": map[string]any{"type": "string"},
						"text":    map[string]any{"type": "string"},
						"private": map[string]any{"type": "boolean"},
					},
				},
			},
		},
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "shellbot",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz":  map[string]any{"get": op("Liveness and counters", "", resp("200"))},
			"/messages": map[string]any{"post": postMessage},
			"/invocations": map[string]any{
				"get": op("List recorded invocations", "invocations:ro", resp("200", "400", "401", "403")),
			},
			"/invocations/{id}": map[string]any{
				"get":    op("Invocation report and delivered output", "invocations:ro", resp("200", "401", "403", "404")),
				"delete": op("Cancel a running invocation", "invocations:rw", resp("202", "401", "403", "404")),
			},
			"/active": map[string]any{"get": op("Running invocations", "invocations:ro", resp("200", "401", "403"))},
			"/events": map[string]any{"get": op("Server-sent lifecycle events", "events:ro", resp("200", "401", "403"))},
		},
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

var statusText = map[string]string{
	"200": "OK",
	"202": "Accepted",
	"400": "Bad request",
	"401": "Missing or invalid token",
	"403": "Insufficient scope",
	"404": "Not found",
	"503": "Rejected, bot busy or shutting down",
}
