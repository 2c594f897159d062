package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/queryproxy/queryproxy/codec"
)

// PostgreSQL message types
const (
	// Frontend (client) messages
	msgQuery     = 'Q'
	msgTerminate = 'X'
	msgPassword  = 'p' // also SASLInitialResponse / SASLResponse
	msgParse     = 'P'
	msgBind      = 'B'
	msgDescribe  = 'D'
	msgExecute   = 'E'
	msgSync      = 'S'
	msgClose     = 'C'
	msgFlush     = 'H'

	// Backend (server) messages
	msgAuth            = 'R'
	msgParamStatus     = 'S'
	msgBackendKeyData  = 'K'
	msgReadyForQuery   = 'Z'
	msgRowDescription  = 'T'
	msgDataRow         = 'D'
	msgCommandComplete = 'C'
	msgErrorResponse   = 'E'
	msgNoticeResponse  = 'N'
	msgEmptyQuery      = 'I'
	msgParseComplete   = '1'
	msgBindComplete    = '2'
	msgCloseComplete   = '3'
	msgNoData          = 'n'
	msgParamDesc       = 't'
)

// Authentication request codes
const (
	authOK           = 0
	authCleartextPwd = 3
	authSASL         = 10
	authSASLContinue = 11
	authSASLFinal    = 12
)

// Special startup protocol versions
const (
	sslRequestCode    = 80877103
	cancelRequestCode = 80877102
)

// readStartupMessage reads the initial startup message from the client.
// SSL and cancel requests are reported through reserved "__"-prefixed keys.
func readStartupMessage(r io.Reader) (map[string]string, error) {
	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read startup message length: %w", err)
	}
	if length < 8 || length > 1<<20 {
		return nil, fmt.Errorf("invalid startup message length %d", length)
	}

	remaining := make([]byte, length-4)
	if _, err := io.ReadFull(r, remaining); err != nil {
		return nil, fmt.Errorf("failed to read startup message body: %w", err)
	}

	protocolVersion := binary.BigEndian.Uint32(remaining[:4])

	if protocolVersion == sslRequestCode {
		return map[string]string{"__ssl_request": "true"}, nil
	}

	if protocolVersion == cancelRequestCode {
		params := map[string]string{"__cancel_request": "true"}
		if len(remaining) >= 12 {
			params["__cancel_pid"] = fmt.Sprint(int32(binary.BigEndian.Uint32(remaining[4:8])))
			params["__cancel_secret"] = fmt.Sprint(int32(binary.BigEndian.Uint32(remaining[8:12])))
		}
		return params, nil
	}

	// Parse parameters (null-terminated key-value pairs)
	params := make(map[string]string)
	data := remaining[4:]

	for len(data) > 1 {
		keyEnd := bytes.IndexByte(data, 0)
		if keyEnd < 0 {
			break
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := bytes.IndexByte(data, 0)
		if valEnd < 0 {
			break
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		if key != "" {
			params[key] = value
		}
	}

	return params, nil
}

// readMessage reads a single typed message from the client.
func readMessage(r io.Reader) (byte, []byte, error) {
	typeBuf := make([]byte, 1)
	if _, err := io.ReadFull(r, typeBuf); err != nil {
		return 0, nil, err
	}
	msgType := typeBuf[0]

	var length int32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("failed to read message length: %w", err)
	}
	if length < 4 {
		return 0, nil, fmt.Errorf("invalid message length %d", length)
	}

	body := make([]byte, length-4)
	if length > 4 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("failed to read message body: %w", err)
		}
	}

	return msgType, body, nil
}

// writeMessage writes a typed message to the client.
func writeMessage(w io.Writer, msgType byte, data []byte) error {
	if _, err := w.Write([]byte{msgType}); err != nil {
		return err
	}
	length := int32(len(data) + 4)
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := w.Write(data); err != nil {
			return err
		}
	}
	return nil
}

func writeAuthOK(w io.Writer) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authOK)
	return writeMessage(w, msgAuth, data)
}

func writeAuthCleartextPassword(w io.Writer) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authCleartextPwd)
	return writeMessage(w, msgAuth, data)
}

// writeAuthSASL advertises the supported SASL mechanisms.
func writeAuthSASL(w io.Writer, mechanisms ...string) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authSASL)
	for _, m := range mechanisms {
		data = append(data, m...)
		data = append(data, 0)
	}
	data = append(data, 0)
	return writeMessage(w, msgAuth, data)
}

func writeAuthSASLContinue(w io.Writer, challenge []byte) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authSASLContinue)
	data = append(data, challenge...)
	return writeMessage(w, msgAuth, data)
}

func writeAuthSASLFinal(w io.Writer, final []byte) error {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, authSASLFinal)
	data = append(data, final...)
	return writeMessage(w, msgAuth, data)
}

// parseSASLInitialResponse splits a SASLInitialResponse body into the
// chosen mechanism and the initial client response.
func parseSASLInitialResponse(body []byte) (mechanism string, response []byte, err error) {
	end := bytes.IndexByte(body, 0)
	if end < 0 {
		return "", nil, fmt.Errorf("malformed SASLInitialResponse")
	}
	mechanism = string(body[:end])
	rest := body[end+1:]
	if len(rest) < 4 {
		return "", nil, fmt.Errorf("malformed SASLInitialResponse")
	}
	n := int32(binary.BigEndian.Uint32(rest[:4]))
	if n < 0 {
		return mechanism, nil, nil
	}
	if int(n) > len(rest)-4 {
		return "", nil, fmt.Errorf("malformed SASLInitialResponse")
	}
	return mechanism, rest[4 : 4+n], nil
}

func writeParameterStatus(w io.Writer, name, value string) error {
	data := []byte(name)
	data = append(data, 0)
	data = append(data, []byte(value)...)
	data = append(data, 0)
	return writeMessage(w, msgParamStatus, data)
}

func writeBackendKeyData(w io.Writer, pid, secretKey int32) error {
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[:4], uint32(pid))
	binary.BigEndian.PutUint32(data[4:], uint32(secretKey))
	return writeMessage(w, msgBackendKeyData, data)
}

func writeReadyForQuery(w io.Writer, txStatus byte) error {
	return writeMessage(w, msgReadyForQuery, []byte{txStatus})
}

func writeErrorResponse(w io.Writer, severity, code, message string) error {
	var data []byte

	data = append(data, 'S')
	data = append(data, []byte(severity)...)
	data = append(data, 0)

	data = append(data, 'C')
	data = append(data, []byte(code)...)
	data = append(data, 0)

	data = append(data, 'M')
	data = append(data, []byte(message)...)
	data = append(data, 0)

	data = append(data, 0)

	return writeMessage(w, msgErrorResponse, data)
}

func writeNoticeResponse(w io.Writer, message string) error {
	var data []byte

	data = append(data, 'S')
	data = append(data, []byte("NOTICE")...)
	data = append(data, 0)

	data = append(data, 'C')
	data = append(data, []byte("00000")...)
	data = append(data, 0)

	data = append(data, 'M')
	data = append(data, []byte(message)...)
	data = append(data, 0)

	data = append(data, 0)

	return writeMessage(w, msgNoticeResponse, data)
}

func writeCommandComplete(w io.Writer, tag string) error {
	data := []byte(tag)
	data = append(data, 0)
	return writeMessage(w, msgCommandComplete, data)
}

func writeEmptyQueryResponse(w io.Writer) error {
	return writeMessage(w, msgEmptyQuery, nil)
}

func writeParseComplete(w io.Writer) error {
	return writeMessage(w, msgParseComplete, nil)
}

func writeBindComplete(w io.Writer) error {
	return writeMessage(w, msgBindComplete, nil)
}

func writeCloseComplete(w io.Writer) error {
	return writeMessage(w, msgCloseComplete, nil)
}

func writeNoData(w io.Writer) error {
	return writeMessage(w, msgNoData, nil)
}

// writeRowDescription describes the result columns.
func writeRowDescription(w io.Writer, fields []codec.Field) error {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int16(len(fields)))

	for _, f := range fields {
		buf.WriteString(f.Name)
		buf.WriteByte(0)

		// Table OID and attribute number: not from a stored table.
		binary.Write(&buf, binary.BigEndian, int32(0))
		binary.Write(&buf, binary.BigEndian, int16(0))

		binary.Write(&buf, binary.BigEndian, f.OID)
		binary.Write(&buf, binary.BigEndian, f.Size)

		// Type modifier (-1 = none)
		binary.Write(&buf, binary.BigEndian, int32(-1))

		binary.Write(&buf, binary.BigEndian, f.Format)
	}

	return writeMessage(w, msgRowDescription, buf.Bytes())
}

// writeDataRow writes one row of pre-encoded cells (nil cell = NULL).
func writeDataRow(w io.Writer, cells [][]byte) error {
	var buf bytes.Buffer

	binary.Write(&buf, binary.BigEndian, int16(len(cells)))
	for _, cell := range cells {
		if cell == nil {
			binary.Write(&buf, binary.BigEndian, int32(-1))
			continue
		}
		binary.Write(&buf, binary.BigEndian, int32(len(cell)))
		buf.Write(cell)
	}

	return writeMessage(w, msgDataRow, buf.Bytes())
}

func writeParameterDescription(w io.Writer, paramTypes []int32) error {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, int16(len(paramTypes)))
	for _, oid := range paramTypes {
		if oid == 0 {
			oid = codec.OidText
		}
		binary.Write(&buf, binary.BigEndian, oid)
	}
	return writeMessage(w, msgParamDesc, buf.Bytes())
}

// readCString reads a null-terminated string from reader.
func readCString(r *bytes.Reader) (string, error) {
	var buf bytes.Buffer
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			break
		}
		buf.WriteByte(b)
	}
	return buf.String(), nil
}
