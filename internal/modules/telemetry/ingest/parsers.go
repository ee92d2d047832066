package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
)

// DefaultMaxBodyBytes bounds inbound telemetry bodies.
const DefaultMaxBodyBytes = 64 << 10

// ErrMalformedJSON is returned by strict chains for bodies that are not a JSON object.
var ErrMalformedJSON = errors.New("malformed JSON body")

// Payload is the raw material a Parser works on.
type Payload struct {
	Body        []byte
	ContentType string
	Query       url.Values
}

// FromRequest reads r's body (bounded by maxBytes) and query string.
func FromRequest(r *http.Request, w http.ResponseWriter, maxBytes int64) (*Payload, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodyBytes
	}
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBytes))
		if err != nil {
			return nil, err
		}
		body = b
	}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return &Payload{
		Body:        body,
		ContentType: mediaType,
		Query:       r.URL.Query(),
	}, nil
}

// FromBytes wraps a message body that did not arrive over HTTP.
func FromBytes(body []byte) *Payload {
	return &Payload{Body: body, ContentType: "application/json"}
}

// Parser turns a payload into a field map. ok is false when the parser
// found nothing it recognises; err is set when the input is recognisably
// its format but broken.
type Parser interface {
	Name() string
	Parse(p *Payload) (fields map[string]any, ok bool, err error)
}

// JSONBody parses the body as a JSON object.
type JSONBody struct{}

func (JSONBody) Name() string { return "json" }

func (JSONBody) Parse(p *Payload) (map[string]any, bool, error) {
	body := bytes.TrimSpace(p.Body)
	if len(body) == 0 {
		return nil, false, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	if dec.More() {
		return nil, false, fmt.Errorf("%w: trailing data after object", ErrMalformedJSON)
	}
	switch obj := v.(type) {
	case nil:
		return nil, false, nil
	case map[string]any:
		return obj, len(obj) > 0, nil
	default:
		return nil, false, fmt.Errorf("%w: expected object, got %T", ErrMalformedJSON, v)
	}
}

// FormBody parses an application/x-www-form-urlencoded body. Bodies with
// another declared content type are still tried, since embedded clients
// often omit or mislabel it.
type FormBody struct{}

func (FormBody) Name() string { return "form" }

func (FormBody) Parse(p *Payload) (map[string]any, bool, error) {
	if strings.HasPrefix(p.ContentType, "multipart/") {
		return nil, false, nil
	}
	body := strings.TrimSpace(string(p.Body))
	if body == "" || body[0] == '{' || body[0] == '[' {
		return nil, false, nil
	}
	values, err := url.ParseQuery(body)
	if err != nil {
		return nil, false, nil
	}
	m := valuesToMap(values)
	return m, len(m) > 0, nil
}

// QueryString reads fields from the URL query.
type QueryString struct{}

func (QueryString) Name() string { return "query" }

func (QueryString) Parse(p *Payload) (map[string]any, bool, error) {
	m := valuesToMap(p.Query)
	return m, len(m) > 0, nil
}

func valuesToMap(values url.Values) map[string]any {
	m := make(map[string]any, len(values))
	for k, vs := range values {
		if k == "" || len(vs) == 0 {
			continue
		}
		m[k] = vs[0]
	}
	return m
}
