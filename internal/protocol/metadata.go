package protocol

// Transport identifies which listener a connection arrived on, for the
// metadata-frame gate below.
type Transport int

const (
	TransportUnix Transport = iota
	TransportTLS
)

// MetadataPolicy decides whether a 5-element request frame (the metadata
// extension; still tag 0, distinguished only by its extra element) sent
// on the given transport is accepted. Both Unix and TLS default to
// rejecting it (spec §9 ADR-003): a metadata frame is a mesh-only
// forwarding hint and accepting it from an ordinary client would let a
// caller spoof the requesting-node field used by the authorization gate.
type MetadataPolicy struct {
	AllowUnix bool
	AllowTLS  bool
}

// Allowed reports whether a metadata frame may be accepted on transport.
func (p MetadataPolicy) Allowed(t Transport) bool {
	switch t {
	case TransportUnix:
		return p.AllowUnix
	case TransportTLS:
		return p.AllowTLS
	default:
		return false
	}
}

// Normalize converts an arbitrary Go value — as produced by a handler
// that doesn't build Value trees by hand — into the canonical Value shape
// the encoder expects: []string and []interface{} become []Value, and
// map[string]string and map[string]interface{} become map[string]Value,
// converting nested values recursively. Any other type is returned
// unchanged; the encoder writes a type it does not recognise as its %v
// string. Handlers that already build Value directly don't need this; it
// exists for result values assembled from store/authz types.
func Normalize(v interface{}) Value {
	switch x := v.(type) {
	case nil, bool, int, int64, float64, string:
		return x
	case []string:
		out := make([]Value, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case map[string]string:
		out := make(map[string]Value, len(x))
		for k, s := range x {
			out[k] = s
		}
		return out
	case map[string]interface{}:
		out := make(map[string]Value, len(x))
		for k, e := range x {
			out[k] = Normalize(e)
		}
		return out
	case []interface{}:
		out := make([]Value, len(x))
		for i, e := range x {
			out[i] = Normalize(e)
		}
		return out
	default:
		return x
	}
}
