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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	var syntaxErr error = &json.SyntaxError{}
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"canceled", context.Canceled, KindTimeout},
		{"io deadline", fmt.Errorf("write: %w", os.ErrDeadlineExceeded), KindTimeout},
		{"eof", io.EOF, KindConnectionClosed},
		{"broken pipe", &os.PathError{Op: "write", Path: "|1", Err: syscall.EPIPE}, KindConnectionClosed},
		{"closed file", os.ErrClosed, KindConnectionClosed},
		{"connection closed sentinel", ErrConnectionClosed, KindConnectionClosed},
		{"json syntax", syntaxErr, KindProtocolError},
		{"not found on path", &exec.Error{Name: "nope", Err: exec.ErrNotFound}, KindLaunchFailed},
		{"launch error", &LaunchError{Server: "x", Cause: errors.New("boom")}, KindLaunchFailed},
		{"server not found", fmt.Errorf("%w: x", ErrServerNotFound), KindServerNotFound},
		{"failure passthrough", &Failure{Kind: KindToolError}, KindToolError},
		{"unknown", errors.New("mystery"), KindConnectionClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
	assert.Equal(t, ErrorKind(""), Classify(nil))
}

func TestKindMessagesAreStable(t *testing.T) {
	kinds := []ErrorKind{
		KindServerNotFound, KindConnectionClosed, KindTimeout, KindProtocolError,
		KindToolError, KindPermissionDenied, KindLaunchFailed,
	}
	seen := map[string]bool{}
	for _, k := range kinds {
		msg := k.Message()
		assert.NotEqual(t, "unknown failure", msg, k)
		assert.False(t, seen[msg], "duplicate message %q", msg)
		seen[msg] = true
	}
}

func TestFailure(t *testing.T) {
	f := &Failure{Kind: KindToolError, Message: "boom"}
	assert.Equal(t, "tool reported an error: boom", f.Error())
	assert.Equal(t, "tool server did not respond in time", (&Failure{Kind: KindTimeout}).Error())

	var err error = f
	assert.True(t, errors.Is(err, &Failure{Kind: KindToolError}))
	assert.False(t, errors.Is(err, &Failure{Kind: KindTimeout}))
}

func TestToolResult(t *testing.T) {
	ok := Success(json.RawMessage(`{"n":1}`))
	assert.True(t, ok.OK())
	assert.NoError(t, ok.Err())

	var v struct{ N int }
	require.NoError(t, ok.Decode(&v))
	assert.Equal(t, 1, v.N)

	assert.Equal(t, json.RawMessage("null"), Success(nil).Payload)

	bad := Fail(KindTimeout, "")
	assert.False(t, bad.OK())
	assert.ErrorIs(t, bad.Decode(&v), &Failure{Kind: KindTimeout})

	fromErr := FromError(fmt.Errorf("read: %w", io.EOF))
	assert.Equal(t, KindConnectionClosed, fromErr.Failure.Kind)
}

func TestRemoteMessage(t *testing.T) {
	assert.Equal(t, "plain", remoteMessage(json.RawMessage(`"plain"`)))
	assert.Equal(t, "boom (code 42)", remoteMessage(json.RawMessage(`{"code":42,"message":"boom"}`)))
	assert.Equal(t, "boom", remoteMessage(json.RawMessage(`{"message":"boom"}`)))
	assert.Equal(t, `{"detail":"x"}`, remoteMessage(json.RawMessage(`{"detail":"x"}`)))
}
