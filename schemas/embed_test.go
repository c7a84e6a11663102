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


package schemas

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServersSchema(t *testing.T) {
	schema := ServersSchema()
	require.NotEmpty(t, schema)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(schema, &doc), "embedded schema is not valid JSON")

	assert.Contains(t, doc, "$schema")
	assert.Contains(t, doc, "$id")
	assert.NotEmpty(t, doc["title"])

	props, ok := doc["properties"].(map[string]any)
	require.True(t, ok)
	for _, key := range []string{"servers", "mcpServers", "defaults", "permissions", "journal", "telemetry"} {
		assert.Contains(t, props, key)
	}
}
