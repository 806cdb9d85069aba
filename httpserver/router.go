package httpserver

// HandlerFunc answers one Request with a Response. It never returns an
// error: protocol-level failures are encoded directly into the Response
// (including, for the Pair-Setup route, TLV-encoded in-band errors).
type HandlerFunc func(req *Request) Response

type routeKey struct {
	method string
	path   string
}

// Router is a small immutable (method, path) -> handler map, built once at
// construction. HEAD is aliased to GET before lookup; unmatched routes
// answer 404 with an empty text/plain body.
type Router struct {
	routes map[routeKey]HandlerFunc
}

// NewRouter builds an immutable Router from the given route table.
func NewRouter(routes map[string]map[string]HandlerFunc) *Router {
	r := &Router{routes: make(map[routeKey]HandlerFunc)}
	for method, byPath := range routes {
		for path, h := range byPath {
			r.routes[routeKey{method: method, path: path}] = h
		}
	}
	return r
}

// Dispatch resolves and calls the handler for req, treating HEAD as GET for
// lookup purposes. The caller is responsible for omitting the body when the
// original method was HEAD.
func (r *Router) Dispatch(req *Request) Response {
	method := req.Method
	if method == "HEAD" {
		method = "GET"
	}
	h, ok := r.routes[routeKey{method: method, path: req.Path}]
	if !ok {
		return textResponse(404, "")
	}
	return h(req)
}
