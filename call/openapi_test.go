package call

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/flowd-io/flowd/dsl"
)

// petstore serves a small description document plus the operations it
// declares, and counts how often the document itself is fetched.
func petstore(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	fetches := 0
	mux := http.NewServeMux()
	var base string

	mux.HandleFunc("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		fetches++
		doc := fmt.Sprintf(`
openapi: 3.0.0
info:
  title: petstore
  version: 1.0.0
servers:
  - url: %s
paths:
  /pets/{petId}:
    parameters:
      - name: petId
        in: path
    get:
      operationId: getPet
      parameters:
        - name: verbose
          in: query
        - name: X-Tenant
          in: header
  /pets:
    post:
      operationId: createPet
      requestBody:
        content:
          application/json: {}
`, base)
		w.Header().Set("Content-Type", "application/yaml")
		w.Write([]byte(doc))
	})
	mux.HandleFunc("/pets/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"path":%q,"verbose":%q,"tenant":%q}`,
			r.URL.Path, r.URL.Query().Get("verbose"), r.Header.Get("X-Tenant"))
	})
	mux.HandleFunc("/pets", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"method":%q,"name":%q}`, r.Method, body["name"])
	})

	srv := httptest.NewServer(mux)
	base = srv.URL
	t.Cleanup(srv.Close)
	return srv, &fetches
}

func invokeOpenAPI(t *testing.T, caller *OpenAPI, with map[string]any) (any, error) {
	t.Helper()
	return caller.Invoke(context.Background(), &Request{Kind: "openapi", With: with})
}

// TestOpenAPIResolvesOperation verifies operationId resolution, path and
// query interpolation, header parameters, and document caching.
func TestOpenAPIResolvesOperation(t *testing.T) {
	srv, fetches := petstore(t)
	caller := NewOpenAPI(NewHTTP(testLogger()), testLogger())

	with := map[string]any{
		"document":    map[string]any{"endpoint": srv.URL + "/openapi.yaml"},
		"operationId": "getPet",
		"parameters": map[string]any{
			"petId":    7,
			"verbose":  true,
			"X-Tenant": "acme",
		},
	}
	out, err := invokeOpenAPI(t, caller, with)
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok {
		t.Fatalf("expected object output, got %T", out)
	}
	if m["path"] != "/pets/7" {
		t.Errorf("expected path /pets/7, got %v", m["path"])
	}
	if m["verbose"] != "true" {
		t.Errorf("expected verbose query, got %v", m["verbose"])
	}
	if m["tenant"] != "acme" {
		t.Errorf("expected tenant header, got %v", m["tenant"])
	}

	if _, err := invokeOpenAPI(t, caller, with); err != nil {
		t.Fatalf("second invoke: %v", err)
	}
	if *fetches != 1 {
		t.Errorf("expected one document fetch, got %d", *fetches)
	}
}

// TestOpenAPIBindsRequestBody verifies that parameters the operation does
// not declare become the request body when one is accepted.
func TestOpenAPIBindsRequestBody(t *testing.T) {
	srv, _ := petstore(t)
	caller := NewOpenAPI(NewHTTP(testLogger()), testLogger())

	out, err := invokeOpenAPI(t, caller, map[string]any{
		"document":    srv.URL + "/openapi.yaml",
		"operationId": "createPet",
		"parameters":  map[string]any{"name": "scout"},
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	m, ok := out.(map[string]any)
	if !ok || m["method"] != http.MethodPost {
		t.Errorf("expected POST, got %v", out)
	}
	if m["name"] != "scout" {
		t.Errorf("expected body forwarded, got %v", out)
	}
}

// TestOpenAPIUnknownOperation verifies the configuration error.
func TestOpenAPIUnknownOperation(t *testing.T) {
	srv, _ := petstore(t)
	caller := NewOpenAPI(NewHTTP(testLogger()), testLogger())

	_, err := invokeOpenAPI(t, caller, map[string]any{
		"document":    srv.URL + "/openapi.yaml",
		"operationId": "deleteEverything",
	})
	we, ok := dsl.AsError(err)
	if !ok || we.Type != dsl.ErrorTypeConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

// TestOpenAPIMissingPathParameter verifies that unbound template variables
// are rejected rather than sent upstream.
func TestOpenAPIMissingPathParameter(t *testing.T) {
	srv, _ := petstore(t)
	caller := NewOpenAPI(NewHTTP(testLogger()), testLogger())

	_, err := invokeOpenAPI(t, caller, map[string]any{
		"document":    srv.URL + "/openapi.yaml",
		"operationId": "getPet",
	})
	we, ok := dsl.AsError(err)
	if !ok || we.Type != dsl.ErrorTypeConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

// TestOpenAPIRelativeServer verifies that relative server urls resolve
// against the document location.
func TestOpenAPIRelativeServer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/spec.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"openapi": "3.0.0",
			"servers": [{"url": "/api/v2"}],
			"paths": {"/ping": {"get": {"operationId": "ping"}}}
		}`))
	})
	mux.HandleFunc("/api/v2/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pong":true}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	caller := NewOpenAPI(NewHTTP(testLogger()), testLogger())
	out, err := invokeOpenAPI(t, caller, map[string]any{
		"document":    srv.URL + "/spec.json",
		"operationId": "ping",
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if m, ok := out.(map[string]any); !ok || m["pong"] != true {
		t.Errorf("expected pong, got %v", out)
	}
}
