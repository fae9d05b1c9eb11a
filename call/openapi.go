package call

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// OpenAPI executes openapi call tasks by resolving an operationId inside
// the referenced document and delegating the resulting request to the
// http caller. Parsed documents are cached per URI.
type OpenAPI struct {
	http   Caller
	client *http.Client
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*openapiDocument
}

// NewOpenAPI returns a caller that delegates resolved operations to next.
func NewOpenAPI(next Caller, logger *slog.Logger) *OpenAPI {
	return &OpenAPI{
		http:   next,
		client: &http.Client{Timeout: defaultHTTPTimeout},
		logger: logger.With("caller", "openapi"),
		docs:   map[string]*openapiDocument{},
	}
}

// Invoke resolves with.operationId against with.document and performs the
// operation with with.parameters bound to their declared locations.
func (o *OpenAPI) Invoke(ctx context.Context, req *Request) (any, error) {
	docRef, err := documentURI(req.With["document"])
	if err != nil {
		return nil, err
	}
	operationID := stringArg(req.With, "operationId")
	if operationID == "" {
		return nil, configError("openapi call declares no operationId")
	}

	doc, err := o.document(ctx, docRef)
	if err != nil {
		return nil, err
	}
	op, ok := doc.operation(operationID)
	if !ok {
		return nil, configError("operation %q not found in %s", operationID, docRef)
	}
	o.logger.Debug("resolved operation", "operationId", operationID, "method", op.method, "path", op.path)

	params := mapArg(req.With, "parameters")
	endpoint, query, headers, body, err := op.bind(docRef, params)
	if err != nil {
		return nil, err
	}

	with := map[string]any{
		"method":   op.method,
		"endpoint": endpoint,
	}
	if len(query) > 0 {
		with["query"] = query
	}
	if len(headers) > 0 {
		with["headers"] = headers
	}
	if body != nil {
		with["body"] = body
	}
	if out := stringArg(req.With, "output"); out != "" {
		with["output"] = out
	}
	if boolArg(req.With, "redirect") {
		with["redirect"] = true
	}
	return o.http.Invoke(ctx, &Request{
		Kind:    "http",
		With:    with,
		Input:   req.Input,
		Auth:    req.Auth,
		Timeout: req.Timeout,
	})
}

// document loads and caches the referenced description. Plain paths and
// file URIs read the filesystem, anything else is fetched over HTTP.
func (o *OpenAPI) document(ctx context.Context, ref string) (*openapiDocument, error) {
	o.mu.Lock()
	doc, ok := o.docs[ref]
	o.mu.Unlock()
	if ok {
		return doc, nil
	}

	raw, err := fetchDocument(ctx, o.client, ref)
	if err != nil {
		return nil, err
	}
	doc = &openapiDocument{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		return nil, configError("invalid openapi document %s: %v", ref, err)
	}
	if err := doc.index(); err != nil {
		return nil, configError("invalid openapi document %s: %v", ref, err)
	}

	o.mu.Lock()
	o.docs[ref] = doc
	o.mu.Unlock()
	return doc, nil
}

// fetchDocument retrieves a service description. Plain paths and file URIs
// read the filesystem, anything else is fetched over HTTP.
func fetchDocument(ctx context.Context, client *http.Client, ref string) ([]byte, error) {
	u, err := url.Parse(ref)
	if err != nil || u.Scheme == "" || u.Scheme == "file" {
		path := ref
		if u != nil && u.Scheme == "file" {
			path = u.Path
		}
		raw, rerr := os.ReadFile(path)
		if rerr != nil {
			return nil, configError("cannot read document %s: %v", ref, rerr)
		}
		return raw, nil
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, configError("invalid document uri %s: %v", ref, err)
	}
	resp, err := client.Do(hreq)
	if err != nil {
		return nil, communicationError("fetching document %s: %v", ref, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, communicationError("fetching document %s returned %d", ref, resp.StatusCode)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, communicationError("reading document %s: %v", ref, err)
	}
	return raw, nil
}

// documentURI accepts {document: {endpoint: uri}} and the bare string form.
func documentURI(v any) (string, error) {
	switch x := v.(type) {
	case string:
		if x != "" {
			return x, nil
		}
	case map[string]any:
		if ep, ok := x["endpoint"]; ok {
			return endpointURI(ep)
		}
	}
	return "", configError("call declares no document endpoint")
}

// --- document model -------------------------------------------------------

var httpMethods = map[string]bool{
	"get": true, "put": true, "post": true, "delete": true,
	"options": true, "head": true, "patch": true, "trace": true,
}

type openapiDocument struct {
	Servers []openapiServer                 `yaml:"servers"`
	Paths   map[string]map[string]yaml.Node `yaml:"paths"`

	ops map[string]*openapiOperation
}

type openapiServer struct {
	URL string `yaml:"url"`
}

type openapiOperation struct {
	OperationID string             `yaml:"operationId"`
	Parameters  []openapiParameter `yaml:"parameters"`
	RequestBody yaml.Node          `yaml:"requestBody"`

	method string
	path   string
	server string
}

type openapiParameter struct {
	Name string `yaml:"name"`
	In   string `yaml:"in"`
}

// index walks paths once and builds the operationId lookup.
func (d *openapiDocument) index() error {
	d.ops = map[string]*openapiOperation{}
	server := ""
	if len(d.Servers) > 0 {
		server = d.Servers[0].URL
	}
	for path, item := range d.Paths {
		var shared []openapiParameter
		if node, ok := item["parameters"]; ok {
			if err := node.Decode(&shared); err != nil {
				return fmt.Errorf("path %s parameters: %w", path, err)
			}
		}
		for method, node := range item {
			if !httpMethods[method] {
				continue
			}
			op := &openapiOperation{}
			if err := node.Decode(op); err != nil {
				return fmt.Errorf("path %s %s: %w", path, method, err)
			}
			if op.OperationID == "" {
				continue
			}
			op.Parameters = append(op.Parameters, shared...)
			op.method = strings.ToUpper(method)
			op.path = path
			op.server = server
			d.ops[op.OperationID] = op
		}
	}
	return nil
}

func (d *openapiDocument) operation(id string) (*openapiOperation, bool) {
	op, ok := d.ops[id]
	return op, ok
}

// bind places each parameter in its declared location. Path parameters are
// substituted into the template; parameters the operation does not declare
// become the request body when one is accepted, query arguments otherwise.
func (op *openapiOperation) bind(docRef string, params map[string]any) (endpoint string, query, headers map[string]any, body any, err error) {
	declared := map[string]string{}
	for _, p := range op.Parameters {
		declared[p.Name] = p.In
	}

	path := op.path
	query = map[string]any{}
	headers = map[string]any{}
	leftover := map[string]any{}
	for name, value := range params {
		switch declared[name] {
		case "path":
			path = strings.ReplaceAll(path, "{"+name+"}", url.PathEscape(fmt.Sprint(value)))
		case "query":
			query[name] = value
		case "header":
			headers[name] = value
		case "cookie":
			return "", nil, nil, nil, configError("cookie parameter %q is not supported", name)
		default:
			leftover[name] = value
		}
	}
	if strings.Contains(path, "{") {
		return "", nil, nil, nil, configError("operation %s is missing path parameters for %s", op.OperationID, op.path)
	}

	if len(leftover) > 0 {
		if op.RequestBody.IsZero() {
			for name, value := range leftover {
				query[name] = value
			}
		} else {
			body = leftover
		}
	}

	base, err2 := resolveServer(docRef, op.server)
	if err2 != nil {
		return "", nil, nil, nil, err2
	}
	return strings.TrimRight(base, "/") + path, query, headers, body, nil
}

// resolveServer makes the server URL absolute relative to the document.
func resolveServer(docRef, server string) (string, error) {
	if server == "" {
		server = "/"
	}
	su, err := url.Parse(server)
	if err != nil {
		return "", configError("invalid server url %q: %v", server, err)
	}
	if su.IsAbs() {
		return server, nil
	}
	du, err := url.Parse(docRef)
	if err != nil || du.Scheme == "" {
		return "", configError("cannot resolve relative server %q against %s", server, docRef)
	}
	return du.ResolveReference(su).String(), nil
}
