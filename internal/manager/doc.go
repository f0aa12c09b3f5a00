// Package manager owns the single model handle of the process: construction,
// admission, generation and streaming. It is structured into small files by
// concern:
//
//   - manager.go: core Manager type, constructor, simple getters.
//   - config.go: ManagerConfig and package defaults; NewWithConfig applies defaults.
//   - types.go: state and handle types.
//   - errors.go: error types and helpers (IsTooBusy, IsConfigurationConflict, ...).
//   - ensure.go: EnsureLoaded and its one-time construction barrier.
//   - queue_admission.go: bounded queue plus single in-flight generation slot.
//   - generate.go: Generate and GenerateStream.
//   - status_report.go: Status/Snapshot reporting helpers.
//
// Runtimes (InferenceAdapter implementations):
//
//   - server: an OpenAI-compatible endpoint (vLLM, llama-server) through openai-go.
//     Files: adapter_server.go, media.go.
//   - spawn: starts llama-server with the local GGUF weights and projector,
//     then talks to it like the server runtime. File: adapter_spawn.go.
//   - llama: in-process go-llama.cpp for text-only prompts. Enabled with
//     `-tags=llama`; files adapter_llama.go and llama_cgo.go. Without the tag
//     adapter_llama_stub.go reports the dependency as unavailable.
package manager
