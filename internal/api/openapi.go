package api

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the served routes. The
// webhook path is included when one is mounted.
func buildOpenAPIDoc(version, webhookPath string) map[string]any {
	if version == "" {
		version = "dev"
	}
	bearer := []any{map[string]any{"BearerAuth": []string{}}}

	paths := map[string]any{
		ResourceRoutePrefix + "{branch}/{path}": map[string]any{
			"get": map[string]any{
				"operationId": "getResource",
				"summary":     "Read a file at the tip of a branch",
				"parameters": []any{
					pathParam("branch", "Branch name, percent-encoded when it contains '/'"),
					pathParam("path", "File path relative to the repository root"),
				},
				"responses": map[string]any{
					"200": map[string]any{
						"description": "Raw file content",
						"headers": map[string]any{
							"ETag":                map[string]any{"schema": map[string]any{"type": "string"}},
							"X-Inpertio-Revision": map[string]any{"schema": map[string]any{"type": "string"}},
						},
					},
					"304": map[string]any{"description": "Content unchanged"},
					"400": map[string]any{
						"description": "Unknown branch, missing resource, rejected path or sync failure",
						"content":     map[string]any{"text/plain": map[string]any{"schema": map[string]any{"type": "string"}}},
					},
				},
			},
		},
		"/healthz": map[string]any{
			"get": operation("getHealth", "Service health", nil),
		},
		"/api/branches": map[string]any{
			"get": operation("listBranches", "Remote branches and materialized checkouts", bearer),
		},
		"/api/sync/log": map[string]any{
			"get": operation("listSyncLog", "Recent mirror sync outcomes", bearer),
		},
		"/api/mirror/refresh": map[string]any{
			"post": operation("refreshMirror", "Fetch the remote now", bearer),
		},
		"/api/events": map[string]any{
			"get": operation("streamEvents", "Server-sent event stream of mirror and checkout activity", bearer),
		},
	}

	if webhookPath != "" {
		paths[webhookPath] = map[string]any{
			"post": map[string]any{
				"operationId": "pushWebhook",
				"summary":     "Signed push notification",
				"responses": map[string]any{
					"202": map[string]any{"description": "Push accepted"},
					"403": map[string]any{"description": "Verification failed"},
					"413": map[string]any{"description": "Payload too large"},
				},
			},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Inpertio",
			"version": version,
		},
		"paths": paths,
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

func operation(id, summary string, security []any) map[string]any {
	op := map[string]any{
		"operationId": id,
		"summary":     summary,
		"responses": map[string]any{
			"200": map[string]any{"description": "OK"},
		},
	}
	if security != nil {
		op["security"] = security
		op["responses"].(map[string]any)["401"] = map[string]any{"description": "Missing or invalid token"}
		op["responses"].(map[string]any)["403"] = map[string]any{"description": "Insufficient scope"}
	}
	return op
}

func pathParam(name, description string) map[string]any {
	return map[string]any{
		"name":        name,
		"in":          "path",
		"required":    true,
		"description": description,
		"schema":      map[string]any{"type": "string"},
	}
}
