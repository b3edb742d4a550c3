// Package codec encodes and decodes protocol frames. Inbound frames are
// checked against a JSON Schema before they reach a room.
package codec

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"sync"

	"Coderoom/backend/types"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"golang.org/x/xerrors"
)

// ErrMalformedFrame is returned for a frame that is not valid JSON or does not
// match the client frame schema.
var ErrMalformedFrame = xerrors.New("malformed frame")

//go:embed client.schema.json
var clientSchema []byte

const clientSchemaURL = "coderoom://schema/client.json"

var (
	compileOnce sync.Once
	schema      *jsonschema.Schema
	compileErr  error
)

func clientFrameSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(clientSchema))
		if err != nil {
			compileErr = xerrors.Errorf("failed to parse client schema: %v", err)
			return
		}

		c := jsonschema.NewCompiler()
		if err := c.AddResource(clientSchemaURL, doc); err != nil {
			compileErr = xerrors.Errorf("failed to add client schema: %v", err)
			return
		}
		schema, compileErr = c.Compile(clientSchemaURL)
	})
	return schema, compileErr
}

// DecodeClientMessage validates and decodes one client frame.
func DecodeClientMessage(data []byte) (types.ClientMessage, error) {
	sch, err := clientFrameSchema()
	if err != nil {
		return types.ClientMessage{}, err
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return types.ClientMessage{}, xerrors.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	if err := sch.Validate(inst); err != nil {
		return types.ClientMessage{}, xerrors.Errorf("%v: %w", err, ErrMalformedFrame)
	}

	var msg types.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.ClientMessage{}, xerrors.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	return msg, nil
}

// EncodeClientMessage encodes a client frame.
func EncodeClientMessage(msg types.ClientMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode %s frame: %v", msg.Type, err)
	}
	return data, nil
}

// EncodeServerMessage encodes a server frame.
func EncodeServerMessage(msg types.ServerMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, xerrors.Errorf("failed to encode %s frame: %v", msg.Type, err)
	}
	return data, nil
}

// DecodeServerMessage decodes a server frame, as a client would.
func DecodeServerMessage(data []byte) (types.ServerMessage, error) {
	var msg types.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return types.ServerMessage{}, xerrors.Errorf("%v: %w", err, ErrMalformedFrame)
	}
	return msg, nil
}
