package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
)

// Method is an HTTP method supported by the dispatcher.
type Method string

// Supported methods.
const (
	MethodGet  Method = http.MethodGet
	MethodPost Method = http.MethodPost
)

// Header is a single (name, value) pair. Headers are applied in order with
// http.Header.Set, so a later pair with the same name replaces an earlier one.
type Header struct {
	Name  string
	Value string
}

// H is shorthand for building a Header.
func H(name, value string) Header {
	return Header{Name: name, Value: value}
}

// Descriptor is an immutable description of one logical request.
//
// A Descriptor is validated at construction and never changes afterwards,
// so the same value can be re-sent on every retry and reused across
// dispatches.
type Descriptor struct {
	id      string
	target  string
	method  Method
	body    []byte
	headers []Header
}

// NewDescriptor validates and builds a Descriptor.
//
// Rules:
//   - target must be an absolute http or https URI with a host
//   - method must be MethodGet or MethodPost
//   - a GET must not carry a body, a POST must carry a non-empty body
//   - header names must be non-empty
//
// The body and headers are copied.
func NewDescriptor(method Method, target string, body []byte, headers ...Header) (*Descriptor, error) {
	if err := validateTarget(target); err != nil {
		return nil, err
	}

	switch method {
	case MethodGet:
		if len(body) > 0 {
			return nil, fmt.Errorf("%w: GET request must not carry a body", ErrInvalidDescriptor)
		}
	case MethodPost:
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: POST request requires a body", ErrInvalidDescriptor)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported method %q", ErrInvalidDescriptor, method)
	}

	for i, h := range headers {
		if h.Name == "" {
			return nil, fmt.Errorf("%w: header %d has an empty name", ErrInvalidDescriptor, i)
		}
	}

	d := &Descriptor{
		id:      uuid.NewString(),
		target:  target,
		method:  method,
		headers: append([]Header(nil), headers...),
	}
	if len(body) > 0 {
		d.body = bytes.Clone(body)
	}
	return d, nil
}

// NewGet builds a GET descriptor.
func NewGet(target string, headers ...Header) (*Descriptor, error) {
	return NewDescriptor(MethodGet, target, nil, headers...)
}

// NewPost builds a POST descriptor with a raw JSON body.
func NewPost(target string, body []byte, headers ...Header) (*Descriptor, error) {
	return NewDescriptor(MethodPost, target, body, headers...)
}

func validateTarget(target string) error {
	if target == "" {
		return fmt.Errorf("%w: empty target", ErrInvalidDescriptor)
	}
	u, err := url.Parse(target)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: target %q is not an absolute http(s) URI", ErrInvalidDescriptor, target)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: target %q has no host", ErrInvalidDescriptor, target)
	}
	return nil
}

// ID returns the identifier assigned at construction.
func (d *Descriptor) ID() string { return d.id }

// Target returns the absolute request URI.
func (d *Descriptor) Target() string { return d.target }

// Method returns the request method.
func (d *Descriptor) Method() Method { return d.method }

// Body returns a copy of the request body. It is nil for GET.
func (d *Descriptor) Body() []byte { return bytes.Clone(d.body) }

// Headers returns a copy of the ordered header pairs.
func (d *Descriptor) Headers() []Header { return append([]Header(nil), d.headers...) }

// newRequest builds a fresh *http.Request for one attempt.
//
// POST requests get Content-Type: application/json first, then the
// dispatcher defaults, then the descriptor headers, so caller headers win.
func (d *Descriptor) newRequest(ctx context.Context, defaults []Header) (*http.Request, error) {
	var body io.Reader
	if d.method == MethodPost {
		body = bytes.NewReader(d.body)
	}

	req, err := http.NewRequestWithContext(ctx, string(d.method), d.target, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if d.method == MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range defaults {
		req.Header.Set(h.Name, h.Value)
	}
	for _, h := range d.headers {
		req.Header.Set(h.Name, h.Value)
	}
	return req, nil
}
