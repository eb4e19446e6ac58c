// Package openapi describes the markgate HTTP surface as an OpenAPI 3.1
// document.
package openapi

import (
	"github.com/getkin/kin-openapi/openapi3"
)

// Options parameterizes the generated document.
type Options struct {
	BaseURL      string
	Version      string
	APIKeyHeader string
}

// Generate builds the OpenAPI document for the conversion, admin and system
// endpoints.
func Generate(opts Options) *openapi3.T {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "markgate API",
			Description: "Credential-gated, rate-limited document to markdown conversion.",
			Version:     opts.Version,
		},
	}
	if opts.BaseURL != "" {
		doc.Servers = openapi3.Servers{{URL: opts.BaseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = openapi3.Schemas{}
	components.SecuritySchemes = openapi3.SecuritySchemes{}
	doc.Components = &components

	doc.Components.SecuritySchemes["apiKey"] = &openapi3.SecuritySchemeRef{
		Value: &openapi3.SecurityScheme{
			Type: "apiKey",
			In:   "header",
			Name: opts.APIKeyHeader,
		},
	}
	doc.Security = openapi3.SecurityRequirements{{"apiKey": {}}}

	addSchemas(doc)
	doc.Paths = openapi3.NewPaths()
	addSystemPaths(doc)
	addConvertPaths(doc)
	addAdminPaths(doc)
	return doc
}

// ─── Schemas ────────────────────────────────────────────────────────────────

func addSchemas(doc *openapi3.T) {
	s := doc.Components.Schemas

	s["ErrorResponse"] = openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("error", openapi3.NewObjectSchema().
			WithProperty("code", openapi3.NewInt32Schema()).
			WithProperty("message", openapi3.NewStringSchema()).
			WithProperty("context", openapi3.NewObjectSchema())))

	s["Credential"] = openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("role", openapi3.NewStringSchema().WithEnum("user", "admin")).
		WithProperty("owner_id", openapi3.NewUUIDSchema()).
		WithProperty("is_active", openapi3.NewBoolSchema()).
		WithProperty("created_at", openapi3.NewDateTimeSchema()).
		WithProperty("last_used_at", openapi3.NewDateTimeSchema()).
		WithProperty("expires_at", openapi3.NewDateTimeSchema()))

	issued := openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("role", openapi3.NewStringSchema()).
		WithProperty("api_key", openapi3.NewStringSchema())
	issued.Description = "The api_key value is shown once and cannot be retrieved again."
	s["IssuedCredential"] = openapi3.NewSchemaRef("", issued)

	createKey := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("role", openapi3.NewStringSchema().WithEnum("user", "admin")).
		WithProperty("owner_id", openapi3.NewUUIDSchema()).
		WithProperty("expires_at", openapi3.NewDateTimeSchema())
	createKey.Required = []string{"name"}
	s["CreateCredential"] = openapi3.NewSchemaRef("", createKey)

	s["User"] = openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("email", openapi3.NewStringSchema()).
		WithProperty("status", openapi3.NewStringSchema().WithEnum("active", "inactive")).
		WithProperty("created_at", openapi3.NewDateTimeSchema()))

	createUser := openapi3.NewObjectSchema().
		WithProperty("name", openapi3.NewStringSchema()).
		WithProperty("email", openapi3.NewStringSchema())
	createUser.Required = []string{"name", "email"}
	s["CreateUser"] = openapi3.NewSchemaRef("", createUser)

	s["AuditEvent"] = openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewUUIDSchema()).
		WithProperty("seq", openapi3.NewInt64Schema()).
		WithProperty("action", openapi3.NewStringSchema()).
		WithProperty("actor_id", openapi3.NewStringSchema()).
		WithProperty("outcome", openapi3.NewStringSchema().WithEnum("success", "failure")).
		WithProperty("detail", openapi3.NewObjectSchema()).
		WithProperty("occurred_at", openapi3.NewDateTimeSchema()))

	textReq := openapi3.NewObjectSchema().
		WithProperty("content", openapi3.NewStringSchema()).
		WithProperty("type", openapi3.NewStringSchema())
	textReq.Required = []string{"content"}
	s["ConvertTextRequest"] = openapi3.NewSchemaRef("", textReq)

	urlReq := openapi3.NewObjectSchema().
		WithProperty("url", openapi3.NewStringSchema().WithFormat("uri"))
	urlReq.Required = []string{"url"}
	s["ConvertURLRequest"] = openapi3.NewSchemaRef("", urlReq)
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func listOf(name string) *openapi3.SchemaRef {
	items := openapi3.NewArraySchema()
	items.Items = ref(name)
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("resource", items).
		WithProperty("meta", openapi3.NewObjectSchema().
			WithProperty("count", openapi3.NewInt32Schema()).
			WithProperty("limit", openapi3.NewInt32Schema())))
}

// ─── Paths ──────────────────────────────────────────────────────────────────

var public = &openapi3.SecurityRequirements{}

func addSystemPaths(doc *openapi3.T) {
	status := openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("status", openapi3.NewStringSchema()))

	doc.Paths.Set("/healthz", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Liveness probe",
		OperationID: "healthz",
		Security:    public,
		Responses:   responses("200", "Process is running", status),
	}})
	doc.Paths.Set("/health", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Store reachability and admission settings",
		OperationID: "health",
		Security:    public,
		Responses:   responses("200", "Healthy", status, "503"),
	}})
	doc.Paths.Set("/metrics", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "Prometheus metrics",
		OperationID: "metrics",
		Security:    public,
		Responses:   textResponses("200", "Prometheus exposition format", "text/plain"),
	}})
	doc.Paths.Set("/openapi.json", &openapi3.PathItem{Get: &openapi3.Operation{
		Tags:        []string{"system"},
		Summary:     "This document",
		OperationID: "openapi",
		Security:    public,
		Responses:   responses("200", "OpenAPI 3.1 document", openapi3.NewSchemaRef("", openapi3.NewObjectSchema())),
	}})
}

func addConvertPaths(doc *openapi3.T) {
	doc.Paths.Set("/api/v1/convert/text", &openapi3.PathItem{Post: convertOperation(
		"convertText", "Convert text or HTML to markdown",
		openapi3.NewContentWithJSONSchemaRef(ref("ConvertTextRequest")),
	)})

	upload := openapi3.NewObjectSchema().
		WithProperty("file", openapi3.NewStringSchema().WithFormat("binary"))
	upload.Required = []string{"file"}
	doc.Paths.Set("/api/v1/convert/file", &openapi3.PathItem{Post: convertOperation(
		"convertFile", "Convert an uploaded file to markdown",
		openapi3.NewContentWithFormDataSchema(upload),
	)})

	op := convertOperation(
		"convertURL", "Fetch a URL and convert it to markdown",
		openapi3.NewContentWithJSONSchemaRef(ref("ConvertURLRequest")),
	)
	setError(op.Responses, "502", "Fetching the URL failed")
	doc.Paths.Set("/api/v1/convert/url", &openapi3.PathItem{Post: op})
}

func convertOperation(id, summary string, body openapi3.Content) *openapi3.Operation {
	resp := textResponses("200", "Markdown output", "text/markdown")
	for _, code := range []string{"400", "401", "422", "503"} {
		setError(resp, code, "")
	}
	setRateLimited(resp)
	return &openapi3.Operation{
		Tags:        []string{"convert"},
		Summary:     summary,
		OperationID: id,
		RequestBody: &openapi3.RequestBodyRef{Value: openapi3.NewRequestBody().WithRequired(true).WithContent(body)},
		Responses:   resp,
	}
}

func addAdminPaths(doc *openapi3.T) {
	keyRef := pathParam("keyRef", "Credential id or name")
	userID := pathParam("userId", "User id")

	doc.Paths.Set("/api/v1/admin/api-keys", &openapi3.PathItem{
		Get: adminOperation("listKeys", "List credentials",
			responses("200", "Credentials", listOf("Credential")),
			queryParam("include_inactive", openapi3.NewBoolSchema()),
			queryParam("role", openapi3.NewStringSchema().WithEnum("user", "admin")),
			queryParam("owner_id", openapi3.NewUUIDSchema())),
		Post: withBody(adminOperation("createKey", "Issue a credential",
			responses("201", "Issued", ref("IssuedCredential"), "409")), "CreateCredential"),
	})
	doc.Paths.Set("/api/v1/admin/api-keys/{keyRef}", &openapi3.PathItem{
		Get: adminOperation("getKey", "Get a credential",
			responses("200", "Credential", ref("Credential")), keyRef),
	})
	doc.Paths.Set("/api/v1/admin/api-keys/{keyRef}/rotate", &openapi3.PathItem{
		Post: adminOperation("rotateKey", "Replace a credential's secret",
			responses("200", "New secret", ref("IssuedCredential")), keyRef),
	})
	for _, action := range []string{"deactivate", "reactivate"} {
		doc.Paths.Set("/api/v1/admin/api-keys/{keyRef}/"+action, &openapi3.PathItem{
			Post: adminOperation(action+"Key", capitalize(action)+" a credential",
				responses("200", "Status", changedSchema()), keyRef),
		})
	}

	doc.Paths.Set("/api/v1/admin/users", &openapi3.PathItem{
		Get: adminOperation("listUsers", "List users",
			responses("200", "Users", listOf("User"))),
		Post: withBody(adminOperation("createUser", "Create a user",
			responses("201", "Created", ref("User"), "409")), "CreateUser"),
	})
	doc.Paths.Set("/api/v1/admin/users/{userId}", &openapi3.PathItem{
		Get: adminOperation("getUser", "Get a user",
			responses("200", "User", ref("User")), userID),
	})
	for _, action := range []string{"activate", "deactivate"} {
		doc.Paths.Set("/api/v1/admin/users/{userId}/"+action, &openapi3.PathItem{
			Post: adminOperation(action+"User", capitalize(action)+" a user",
				responses("200", "Status", changedSchema()), userID),
		})
	}

	doc.Paths.Set("/api/v1/admin/audit", &openapi3.PathItem{
		Get: adminOperation("listAudit", "Query the audit trail",
			responses("200", "Events, oldest first", listOf("AuditEvent")),
			queryParam("action", openapi3.NewStringSchema()),
			queryParam("actor", openapi3.NewStringSchema()),
			queryParam("since", openapi3.NewDateTimeSchema()),
			queryParam("limit", openapi3.NewInt32Schema())),
	})
}

func adminOperation(id, summary string, resp *openapi3.Responses, params ...*openapi3.Parameter) *openapi3.Operation {
	setError(resp, "401", "")
	setError(resp, "403", "")
	op := &openapi3.Operation{
		Tags:        []string{"admin"},
		Summary:     summary,
		OperationID: id,
		Responses:   resp,
	}
	for _, p := range params {
		op.Parameters = append(op.Parameters, &openapi3.ParameterRef{Value: p})
	}
	return op
}

func withBody(op *openapi3.Operation, schema string) *openapi3.Operation {
	op.RequestBody = &openapi3.RequestBodyRef{
		Value: openapi3.NewRequestBody().WithRequired(true).WithJSONSchemaRef(ref(schema)),
	}
	return op
}

func changedSchema() *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("", openapi3.NewObjectSchema().
		WithProperty("id", openapi3.NewStringSchema()).
		WithProperty("changed", openapi3.NewBoolSchema()))
}

func pathParam(name, desc string) *openapi3.Parameter {
	return openapi3.NewPathParameter(name).WithDescription(desc).WithSchema(openapi3.NewStringSchema())
}

func queryParam(name string, schema *openapi3.Schema) *openapi3.Parameter {
	return openapi3.NewQueryParameter(name).WithSchema(schema)
}

// ─── Response Helpers ───────────────────────────────────────────────────────

// responses builds a Responses map with a JSON success response, a 500, and
// an error response for each extra status code.
func responses(statusCode, description string, schema *openapi3.SchemaRef, errorCodes ...string) *openapi3.Responses {
	resp := openapi3.NewResponses()
	resp.Set(statusCode, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(schema)),
	})
	setError(resp, "500", "Internal server error")
	for _, code := range errorCodes {
		setError(resp, code, "")
	}
	return resp
}

func textResponses(statusCode, description, mediaType string) *openapi3.Responses {
	resp := openapi3.NewResponses()
	resp.Set(statusCode, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithSchema(openapi3.NewStringSchema(), []string{mediaType})),
	})
	setError(resp, "500", "Internal server error")
	return resp
}

var errorDescriptions = map[string]string{
	"400": "Bad request",
	"401": "Missing or invalid API key",
	"403": "Admin role required",
	"404": "Not found",
	"409": "Name already exists",
	"422": "Conversion failed",
	"429": "Rate limit exceeded",
	"500": "Internal server error",
	"502": "Bad gateway",
	"503": "Service unavailable",
}

func setError(resp *openapi3.Responses, code, description string) {
	if description == "" {
		description = errorDescriptions[code]
	}
	resp.Set(code, &openapi3.ResponseRef{
		Value: openapi3.NewResponse().
			WithDescription(description).
			WithContent(openapi3.NewContentWithJSONSchemaRef(ref("ErrorResponse"))),
	})
}

// setRateLimited documents the 429 response and its headers.
func setRateLimited(resp *openapi3.Responses) {
	setError(resp, "429", "")
	r := resp.Value("429").Value
	r.Headers = openapi3.Headers{
		"X-RateLimit-Limit":     intHeader("Requests allowed per window"),
		"X-RateLimit-Remaining": intHeader("Requests left in the current window"),
		"X-RateLimit-Reset":     intHeader("Unix time the current window ends"),
		"Retry-After":           intHeader("Seconds until a retry can succeed"),
	}
}

func intHeader(desc string) *openapi3.HeaderRef {
	return &openapi3.HeaderRef{Value: &openapi3.Header{Parameter: openapi3.Parameter{
		Description: desc,
		Schema:      openapi3.NewSchemaRef("", openapi3.NewInt64Schema()),
	}}}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
