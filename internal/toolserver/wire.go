// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toolserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const jsonrpcVersion = "2.0"

// request is the line written to a worker's stdin.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// response is one decoded stdout line.
type response struct {
	ID        json.RawMessage
	Result    json.RawMessage
	Error     json.RawMessage
	hasResult bool
	hasError  bool
}

var errNotObject = errors.New("response is not a JSON object")

// encodeRequest renders one newline-terminated request line and returns the
// encoded args alongside it. Nil args become an empty object.
func encodeRequest(id, method string, args any) (line, params []byte, err error) {
	if args == nil {
		args = struct{}{}
	}
	if raw, ok := args.(json.RawMessage); ok && len(bytes.TrimSpace(raw)) == 0 {
		args = struct{}{}
	}

	params, err = json.Marshal(args)
	if err != nil {
		return nil, nil, fmt.Errorf("encode params: %w", err)
	}
	data, err := json.Marshal(request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  json.RawMessage(params),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("encode request: %w", err)
	}
	return append(data, '\n'), params, nil
}

// parseResponse decodes a response line. A present "result" member counts
// even when its value is null.
func parseResponse(line []byte) (response, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if !json.Valid(trimmed) {
			var v any
			return response{}, json.Unmarshal(trimmed, &v)
		}
		return response{}, errNotObject
	}

	var members map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &members); err != nil {
		return response{}, err
	}

	var resp response
	resp.ID = members["id"]
	resp.Result, resp.hasResult = members["result"]
	resp.Error, resp.hasError = members["error"]

	// {"error": null, "result": ...} is a success in most JSON-RPC peers.
	if resp.hasError && isNull(resp.Error) {
		resp.hasError = false
	}
	return resp, nil
}

// hasID reports whether the worker echoed a request id.
func (r response) hasID() bool {
	return len(r.ID) > 0 && !isNull(r.ID)
}

// correlates reports whether the response belongs to the request with id.
// Responses without an id are accepted; workers are not required to echo it.
// The dispatcher decides separately whether an id-less line is a late answer.
func (r response) correlates(id string) bool {
	if !r.hasID() {
		return true
	}
	var got string
	if err := json.Unmarshal(r.ID, &got); err != nil {
		return false
	}
	return got == id
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
