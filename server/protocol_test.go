package server

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/queryproxy/queryproxy/codec"
)

func buildStartupMessage(params map[string]string) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, uint32(196608)) // protocol 3.0
	for k, v := range params {
		body.WriteString(k)
		body.WriteByte(0)
		body.WriteString(v)
		body.WriteByte(0)
	}
	body.WriteByte(0)

	var msg bytes.Buffer
	binary.Write(&msg, binary.BigEndian, int32(body.Len()+4))
	msg.Write(body.Bytes())
	return msg.Bytes()
}

func TestReadStartupMessage(t *testing.T) {
	raw := buildStartupMessage(map[string]string{
		"user":             "alice",
		"database":         "warehouse",
		"application_name": "psql",
	})

	params, err := readStartupMessage(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("readStartupMessage: %v", err)
	}
	if params["user"] != "alice" || params["database"] != "warehouse" {
		t.Errorf("params = %v", params)
	}
}

func TestReadStartupMessageSSLRequest(t *testing.T) {
	var msg bytes.Buffer
	binary.Write(&msg, binary.BigEndian, int32(8))
	binary.Write(&msg, binary.BigEndian, uint32(sslRequestCode))

	params, err := readStartupMessage(&msg)
	if err != nil {
		t.Fatalf("readStartupMessage: %v", err)
	}
	if params["__ssl_request"] != "true" {
		t.Errorf("params = %v", params)
	}
}

func TestReadStartupMessageCancelRequest(t *testing.T) {
	var msg bytes.Buffer
	binary.Write(&msg, binary.BigEndian, int32(16))
	binary.Write(&msg, binary.BigEndian, uint32(cancelRequestCode))
	binary.Write(&msg, binary.BigEndian, int32(1234))
	binary.Write(&msg, binary.BigEndian, int32(5678))

	params, err := readStartupMessage(&msg)
	if err != nil {
		t.Fatalf("readStartupMessage: %v", err)
	}
	if params["__cancel_request"] != "true" || params["__cancel_pid"] != "1234" || params["__cancel_secret"] != "5678" {
		t.Errorf("params = %v", params)
	}
}

func TestReadStartupMessageRejectsHugeLength(t *testing.T) {
	var msg bytes.Buffer
	binary.Write(&msg, binary.BigEndian, int32(1<<30))
	if _, err := readStartupMessage(&msg); err == nil {
		t.Fatal("expected error for oversized startup message")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, msgQuery, []byte("SELECT 1\x00")); err != nil {
		t.Fatalf("writeMessage: %v", err)
	}

	msgType, body, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if msgType != msgQuery || string(body) != "SELECT 1\x00" {
		t.Errorf("got type=%c body=%q", msgType, body)
	}
}

func TestParseSASLInitialResponse(t *testing.T) {
	var body bytes.Buffer
	body.WriteString(scramMechanism)
	body.WriteByte(0)
	initial := []byte("n,,n=alice,r=nonce")
	binary.Write(&body, binary.BigEndian, int32(len(initial)))
	body.Write(initial)

	mech, resp, err := parseSASLInitialResponse(body.Bytes())
	if err != nil {
		t.Fatalf("parseSASLInitialResponse: %v", err)
	}
	if mech != scramMechanism || string(resp) != string(initial) {
		t.Errorf("mech=%q resp=%q", mech, resp)
	}
}

func TestParseSASLInitialResponseMalformed(t *testing.T) {
	if _, _, err := parseSASLInitialResponse([]byte("no-null-terminator")); err == nil {
		t.Fatal("expected error")
	}
}

func TestWriteErrorResponseFields(t *testing.T) {
	var buf bytes.Buffer
	if err := writeErrorResponse(&buf, "ERROR", "25006", "read only"); err != nil {
		t.Fatalf("writeErrorResponse: %v", err)
	}

	msgType, body, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if msgType != msgErrorResponse {
		t.Fatalf("type = %c", msgType)
	}
	if !bytes.Contains(body, []byte("C25006\x00")) {
		t.Errorf("missing SQLSTATE field: %q", body)
	}
	if !bytes.Contains(body, []byte("Mread only\x00")) {
		t.Errorf("missing message field: %q", body)
	}
}

func TestWriteDataRowNulls(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDataRow(&buf, [][]byte{[]byte("1"), nil}); err != nil {
		t.Fatalf("writeDataRow: %v", err)
	}

	_, body, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}

	r := bytes.NewReader(body)
	var nCols int16
	binary.Read(r, binary.BigEndian, &nCols)
	if nCols != 2 {
		t.Fatalf("cols = %d", nCols)
	}

	var len1 int32
	binary.Read(r, binary.BigEndian, &len1)
	if len1 != 1 {
		t.Errorf("first cell length = %d", len1)
	}
	cell := make([]byte, 1)
	r.Read(cell)

	var len2 int32
	binary.Read(r, binary.BigEndian, &len2)
	if len2 != -1 {
		t.Errorf("null cell length = %d, want -1", len2)
	}
}

func TestWriteRowDescription(t *testing.T) {
	var buf bytes.Buffer
	fields := []codec.Field{
		{Name: "id", OID: codec.OidInt4, Size: 4, Format: 0},
		{Name: "name", OID: codec.OidText, Size: -1, Format: 0},
	}
	if err := writeRowDescription(&buf, fields); err != nil {
		t.Fatalf("writeRowDescription: %v", err)
	}

	msgType, body, err := readMessage(&buf)
	if err != nil {
		t.Fatalf("readMessage: %v", err)
	}
	if msgType != msgRowDescription {
		t.Fatalf("type = %c", msgType)
	}

	var nFields int16
	binary.Read(bytes.NewReader(body[:2]), binary.BigEndian, &nFields)
	if nFields != 2 {
		t.Errorf("fields = %d", nFields)
	}
	if !bytes.Contains(body, []byte("id\x00")) || !bytes.Contains(body, []byte("name\x00")) {
		t.Errorf("missing field names: %q", body)
	}
}
