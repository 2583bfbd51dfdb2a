package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"slices"

	"github.com/dohr-michael/newgate/internal/events"
	"github.com/dohr-michael/newgate/internal/permissions"
)

// NoBody is the input type of handlers that read no request body.
type NoBody struct{}

// Request is what a resource handler receives. UserID is always the
// authenticated caller; ID is the item segment of item routes.
type Request[In any] struct {
	UserID string
	ID     string
	Body   In
}

// HandlerFunc serves one (resource, method) pair.
type HandlerFunc[In, Out any] func(ctx context.Context, req Request[In]) (Out, error)

// Endpoint is a registered handler. Build endpoints with Handle.
type Endpoint struct {
	Resource string
	Method   string
	// Item routes take one path segment after the resource ("projects/{id}").
	Item   bool
	Status int

	in    reflect.Type
	body  bool
	serve func(ctx context.Context, userID, id string, body io.Reader) (any, error)
}

// Handle wraps a typed handler. The request body is decoded into In unless
// In is NoBody.
func Handle[In, Out any](resource, method string, item bool, status int, fn HandlerFunc[In, Out]) Endpoint {
	in := reflect.TypeFor[In]()
	withBody := in != reflect.TypeFor[NoBody]()
	ep := Endpoint{
		Resource: resource,
		Method:   method,
		Item:     item,
		Status:   status,
		in:       in,
		body:     withBody,
	}
	if fn == nil {
		return ep
	}
	ep.serve = func(ctx context.Context, userID, id string, body io.Reader) (any, error) {
		var req Request[In]
		req.UserID, req.ID = userID, id
		if withBody {
			if err := decodeBody(body, &req.Body); err != nil {
				return nil, err
			}
		}
		return fn(ctx, req)
	}
	return ep
}

func (e Endpoint) String() string {
	path := e.Resource
	if e.Item {
		path += "/{id}"
	}
	return e.Method + " " + path
}

func (e Endpoint) validate() error {
	if !permissions.Known(e.Resource) {
		return fmt.Errorf("%s: unknown resource %q", e, e.Resource)
	}
	switch e.Method {
	case http.MethodGet, http.MethodDelete:
		if e.body {
			return fmt.Errorf("%s: %s handlers take no body", e, e.Method)
		}
	case http.MethodPost, http.MethodPut:
	default:
		return fmt.Errorf("%s: unsupported method", e)
	}
	if e.Status < 200 || e.Status > 299 {
		return fmt.Errorf("%s: status %d is not a success code", e, e.Status)
	}
	if e.serve == nil {
		return fmt.Errorf("%s: nil handler", e)
	}
	if e.body && !decodable(e.in) {
		return fmt.Errorf("%s: input type %s cannot be decoded from JSON", e, e.in)
	}
	return nil
}

// decodable rejects types encoding/json cannot decode into.
func decodable(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Chan, reflect.Func, reflect.Complex64, reflect.Complex128, reflect.UnsafePointer:
		return false
	case reflect.Pointer, reflect.Slice, reflect.Array:
		return decodable(t.Elem())
	case reflect.Map:
		return decodable(t.Elem())
	}
	return true
}

type routeKey struct {
	method string
	item   bool
}

// Dispatcher is the {resource: {method: handler}} table.
type Dispatcher struct {
	routes map[string]map[routeKey]Endpoint
}

// NewDispatcher validates every endpoint and builds the table.
func NewDispatcher(endpoints ...Endpoint) (*Dispatcher, error) {
	d := &Dispatcher{routes: make(map[string]map[routeKey]Endpoint)}
	var errs []error
	for _, ep := range endpoints {
		if err := ep.validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		byMethod, ok := d.routes[ep.Resource]
		if !ok {
			byMethod = make(map[routeKey]Endpoint)
			d.routes[ep.Resource] = byMethod
		}
		key := routeKey{method: ep.Method, item: ep.Item}
		if _, dup := byMethod[key]; dup {
			errs = append(errs, fmt.Errorf("%s: registered twice", ep))
			continue
		}
		byMethod[key] = ep
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("sandbox endpoints: %w", err)
	}
	return d, nil
}

// Lookup returns the endpoint for the pair, if any.
func (d *Dispatcher) Lookup(resource, method string, item bool) (Endpoint, bool) {
	ep, ok := d.routes[resource][routeKey{method: method, item: item}]
	return ep, ok
}

// Endpoints lists the table, sorted.
func (d *Dispatcher) Endpoints() []string {
	var out []string
	for _, byMethod := range d.routes {
		for _, ep := range byMethod {
			out = append(out, ep.String())
		}
	}
	slices.Sort(out)
	return out
}

func decodeBody(body io.Reader, v any) error {
	if body == nil {
		return BadRequest("request body is required")
	}
	if err := json.NewDecoder(body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return BadRequest("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return business(http.StatusRequestEntityTooLarge, events.StageHandler, "request body too large")
		}
		return BadRequest("invalid request body: %v", err)
	}
	return nil
}
