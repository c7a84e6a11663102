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


/*
Package lifecycle signals and reaps tool-server child processes.

Each worker is started in its own process group so that a shutdown signal
reaches any helper processes it spawned:

	cmd := exec.Command(path, args...)
	lifecycle.Isolate(cmd)
	_ = cmd.Start()

Shutdown sends SIGTERM to the group, waits for the caller's exit channel,
and falls back to SIGKILL:

	err := lifecycle.Terminate(cmd.Process.Pid, exited, 5*time.Second)

Terminate never calls Wait itself. Reaping is left to whoever owns the
exec.Cmd; exited must be closed once that Wait returns.
*/
package lifecycle
