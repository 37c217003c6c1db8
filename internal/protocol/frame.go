package protocol

import "errors"

// Tag identifies whether a decoded frame is a request or a response. The
// optional metadata extension (spec §4.4) is still tag-0 request; it is
// distinguished from a plain request by carrying 5 array elements instead
// of 4, not by a different tag value.
const (
	TagRequest  = 0
	TagResponse = 1
)

var (
	errShortBuffer = errors.New("protocol: buffer too short")
	errMalformed   = errors.New("protocol: malformed frame")
)

// Request is one decoded client call: [0, MsgID, Method, Params].
type Request struct {
	MsgID  int64
	Method string
	Params Value
}

// Response is one decoded server reply: [1, MsgID, Error, Result].
// Error is "" on success.
type Response struct {
	MsgID  int64
	Error  string
	Result Value
}

// MetadataFrame is the optional 5-element extension: [0, MsgID, Method,
// Params, Meta], where Meta is a map carrying the forwarding node's
// identity. Only honored when explicitly enabled for the transport in use
// (both transports default to rejecting it — spec §9 ADR-003).
type MetadataFrame struct {
	MsgID  int64
	Method string
	Params Value
	Meta   map[string]Value
}

// EncodeRequest renders a Request as a length-prefixed wire frame.
func EncodeRequest(req Request) []byte {
	arr := []Value{int64(TagRequest), req.MsgID, req.Method, req.Params}
	return encodeFrame(arr)
}

// EncodeResponse renders a Response as a length-prefixed wire frame.
func EncodeResponse(resp Response) []byte {
	arr := []Value{int64(TagResponse), resp.MsgID, resp.Error, resp.Result}
	return encodeFrame(arr)
}

// EncodeMetadataFrame renders a MetadataFrame as a length-prefixed wire
// frame, still tagged as a request (tag 0) but with 5 elements. Callers
// must only use this when the receiving transport is known to have the
// metadata extension enabled.
func EncodeMetadataFrame(f MetadataFrame) []byte {
	meta := make(map[string]Value, len(f.Meta))
	for k, v := range f.Meta {
		meta[k] = v
	}
	arr := []Value{int64(TagRequest), f.MsgID, f.Method, f.Params, meta}
	return encodeFrame(arr)
}

func encodeFrame(arr []Value) []byte {
	var body []byte
	body = encodeValue(body, arr)
	out := appendU32(make([]byte, 0, 4+len(body)), uint32(len(body)))
	return append(out, body...)
}

// decodeFrame decodes the tagged-array body of one frame (the bytes after
// the 4-byte length prefix have already been sliced out by the Decoder).
// It returns the frame's tag and the fully decoded array value; callers
// branch on (tag, len(arr)) to tell a plain request from a
// metadata-extended one.
func decodeFrame(body []byte) (int64, []Value, error) {
	v, n, err := decodeValue(body)
	if err != nil {
		return 0, nil, err
	}
	if n != len(body) {
		return 0, nil, errMalformed
	}
	arr, ok := v.([]Value)
	if !ok || len(arr) < 4 || len(arr) > 5 {
		return 0, nil, errMalformed
	}
	tag, ok := arr[0].(int64)
	if !ok {
		return 0, nil, errMalformed
	}
	return tag, arr, nil
}

// IsMetadataFrame reports whether a decoded request-tagged array carries
// the 5-element metadata extension.
func IsMetadataFrame(arr []Value) bool { return len(arr) == 5 }

// ParseRequest interprets a decoded 4-element frame array as a Request.
// The caller must have already checked the tag is TagRequest and the
// frame is not a metadata frame.
func ParseRequest(arr []Value) (Request, error) {
	if len(arr) != 4 {
		return Request{}, errMalformed
	}
	msgid, ok := arr[1].(int64)
	if !ok {
		return Request{}, errMalformed
	}
	method, ok := arr[2].(string)
	if !ok {
		return Request{}, errMalformed
	}
	return Request{MsgID: msgid, Method: method, Params: arr[3]}, nil
}

// ParseResponse interprets a decoded frame array as a Response. The caller
// must have already checked the tag is TagResponse.
func ParseResponse(arr []Value) (Response, error) {
	if len(arr) != 4 {
		return Response{}, errMalformed
	}
	msgid, ok := arr[1].(int64)
	if !ok {
		return Response{}, errMalformed
	}
	errStr, _ := arr[2].(string)
	return Response{MsgID: msgid, Error: errStr, Result: arr[3]}, nil
}

// ParseMetadataFrame interprets a decoded 5-element frame array as a
// MetadataFrame. The caller must have already checked the tag is
// TagRequest and IsMetadataFrame(arr) is true.
func ParseMetadataFrame(arr []Value) (MetadataFrame, error) {
	if len(arr) != 5 {
		return MetadataFrame{}, errMalformed
	}
	msgid, ok := arr[1].(int64)
	if !ok {
		return MetadataFrame{}, errMalformed
	}
	method, ok := arr[2].(string)
	if !ok {
		return MetadataFrame{}, errMalformed
	}
	meta, ok := arr[4].(map[string]Value)
	if !ok {
		return MetadataFrame{}, errMalformed
	}
	return MetadataFrame{MsgID: msgid, Method: method, Params: arr[3], Meta: meta}, nil
}
