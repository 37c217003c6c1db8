package protocol

import (
	"testing"
)

func TestRequestRoundTrip(t *testing.T) {
	req := Request{
		MsgID:  7,
		Method: "get",
		Params: []Value{"users", "alice"},
	}
	frame := EncodeRequest(req)

	dec := NewDecoder(0)
	dec.Feed(frame)
	tag, arr, ok, err := dec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok {
		t.Fatalf("Next: expected a complete frame")
	}
	if tag != TagRequest {
		t.Fatalf("tag = %d, want %d", tag, TagRequest)
	}
	got, err := ParseRequest(arr)
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if got.MsgID != req.MsgID || got.Method != req.Method {
		t.Fatalf("got %+v, want %+v", got, req)
	}
	params, ok := got.Params.([]Value)
	if !ok || len(params) != 2 || params[0] != "users" || params[1] != "alice" {
		t.Fatalf("params = %#v", got.Params)
	}
	if dec.Buffered() != 0 {
		t.Fatalf("decoder retained %d bytes after a full frame", dec.Buffered())
	}
}

func TestResponseRoundTrip(t *testing.T) {
	resp := Response{MsgID: 3, Error: "", Result: map[string]Value{"name": "alice", "age": int64(30)}}
	frame := EncodeResponse(resp)

	dec := NewDecoder(0)
	dec.Feed(frame)
	tag, arr, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if tag != TagResponse {
		t.Fatalf("tag = %d, want %d", tag, TagResponse)
	}
	got, err := ParseResponse(arr)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	m, ok := got.Result.(map[string]Value)
	if !ok || m["name"] != "alice" || m["age"] != int64(30) {
		t.Fatalf("result = %#v", got.Result)
	}
}

func TestDecoderPartialFrame(t *testing.T) {
	frame := EncodeRequest(Request{MsgID: 1, Method: "ping", Params: nil})
	dec := NewDecoder(0)

	dec.Feed(frame[:2])
	if _, _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("expected incomplete, got ok=%v err=%v", ok, err)
	}

	dec.Feed(frame[2 : len(frame)-1])
	if _, _, ok, err := dec.Next(); ok || err != nil {
		t.Fatalf("expected still incomplete, got ok=%v err=%v", ok, err)
	}

	dec.Feed(frame[len(frame)-1:])
	tag, arr, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("expected complete after final byte, ok=%v err=%v", ok, err)
	}
	if tag != TagRequest {
		t.Fatalf("tag = %d", tag)
	}
	req, err := ParseRequest(arr)
	if err != nil || req.Method != "ping" {
		t.Fatalf("req = %+v err = %v", req, err)
	}
}

func TestDecoderMultipleFramesInOneRead(t *testing.T) {
	f1 := EncodeRequest(Request{MsgID: 1, Method: "a", Params: nil})
	f2 := EncodeRequest(Request{MsgID: 2, Method: "b", Params: nil})
	dec := NewDecoder(0)
	dec.Feed(append(append([]byte{}, f1...), f2...))

	_, arr1, ok, err := dec.Next()
	if !ok || err != nil {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	r1, _ := ParseRequest(arr1)
	if r1.Method != "a" {
		t.Fatalf("first method = %q", r1.Method)
	}

	_, arr2, ok, err := dec.Next()
	if !ok || err != nil {
		t.Fatalf("second frame: ok=%v err=%v", ok, err)
	}
	r2, _ := ParseRequest(arr2)
	if r2.Method != "b" {
		t.Fatalf("second method = %q", r2.Method)
	}
	if dec.Buffered() != 0 {
		t.Fatalf("buffered = %d, want 0", dec.Buffered())
	}
}

func TestDecoderRejectsOversizedFrame(t *testing.T) {
	frame := EncodeRequest(Request{MsgID: 1, Method: "x", Params: nil})
	// The limit applies to the body, not the 4-byte length prefix, so a
	// limit one byte short of the body must reject the frame.
	dec := NewDecoder(len(frame) - lengthPrefixSize - 1)
	dec.Feed(frame)
	_, _, ok, err := dec.Next()
	if ok || err == nil {
		t.Fatalf("expected oversized-frame rejection, got ok=%v err=%v", ok, err)
	}
}

func TestMetadataFramePolicyDefaultsDeny(t *testing.T) {
	var p MetadataPolicy
	if p.Allowed(TransportUnix) || p.Allowed(TransportTLS) {
		t.Fatalf("zero-value MetadataPolicy must deny both transports")
	}
	p.AllowTLS = true
	if p.Allowed(TransportUnix) {
		t.Fatalf("Unix must stay denied when only TLS is enabled")
	}
	if !p.Allowed(TransportTLS) {
		t.Fatalf("TLS should be allowed once enabled")
	}
}

func TestMetadataFrameRoundTrip(t *testing.T) {
	f := MetadataFrame{
		MsgID:  9,
		Method: "put",
		Params: []Value{"notes"},
		Meta:   map[string]Value{"requesting_node": "node-b"},
	}
	frame := EncodeMetadataFrame(f)
	dec := NewDecoder(0)
	dec.Feed(frame)
	tag, arr, ok, err := dec.Next()
	if err != nil || !ok {
		t.Fatalf("Next: ok=%v err=%v", ok, err)
	}
	if tag != TagRequest {
		t.Fatalf("tag = %d, want %d", tag, TagRequest)
	}
	if !IsMetadataFrame(arr) {
		t.Fatalf("expected a 5-element metadata frame")
	}
	got, err := ParseMetadataFrame(arr)
	if err != nil {
		t.Fatalf("ParseMetadataFrame: %v", err)
	}
	if got.Meta["requesting_node"] != "node-b" {
		t.Fatalf("meta = %#v", got.Meta)
	}
}

func TestValueRoundTripAllTypes(t *testing.T) {
	v := []Value{
		nil,
		true,
		false,
		int64(-42),
		3.5,
		"hello",
		[]Value{int64(1), int64(2)},
		map[string]Value{"k": "v"},
	}
	var buf []byte
	buf = encodeValue(buf, v)
	got, n, err := decodeValue(buf)
	if err != nil {
		t.Fatalf("decodeValue: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d, want %d", n, len(buf))
	}
	arr, ok := got.([]Value)
	if !ok || len(arr) != len(v) {
		t.Fatalf("got %#v", got)
	}
}
