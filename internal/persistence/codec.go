package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/tokenflow/pkg/api"
)

// EncodeValue serializes a value using encoding/gob. Interface values inside
// (variables) must be gob-registered; the api package registers the common
// ones.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fmt.Errorf("gob encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue decodes a gob payload produced by EncodeValue into T.
// An empty payload decodes to the zero value.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return v, fmt.Errorf("gob decode %T: %w", v, err)
	}
	return v, nil
}

// instanceBody is the part of an instance stored as an opaque blob; the
// remaining fields live in indexed columns.
type instanceBody struct {
	Variables map[string]any
	Tokens    []api.Token
	Error     *api.ErrorInfo
	Pending   *api.ErrorInfo
}

func encodeBody(inst *api.ProcessInstance) ([]byte, error) {
	return EncodeValue(instanceBody{
		Variables: inst.Variables,
		Tokens:    inst.Tokens,
		Error:     inst.Error,
		Pending:   inst.PendingError,
	})
}

func decodeBody(data []byte, inst *api.ProcessInstance) error {
	b, err := DecodeValue[instanceBody](data)
	if err != nil {
		return err
	}
	inst.Variables = b.Variables
	inst.Tokens = b.Tokens
	inst.Error = b.Error
	inst.PendingError = b.Pending
	if inst.Variables == nil {
		inst.Variables = map[string]any{}
	}
	return nil
}

// EncodeTask encodes a dispatched task for a retry timer payload.
func EncodeTask(t api.DispatchedTask) ([]byte, error) {
	return EncodeValue(t)
}

// DecodeTask is the inverse of EncodeTask.
func DecodeTask(data []byte) (api.DispatchedTask, error) {
	return DecodeValue[api.DispatchedTask](data)
}
