// Package memory implements a conversational memory subsystem: a bounded
// short-term buffer of interaction items, an adaptively sized context
// window used to build model prompts, hybrid vector/text relevance search,
// importance decay with auto-pruning, and best-effort summarization of
// evicted batches.
//
// Architecture:
//   - BasicStore / VectorStore: persistence backends (in-memory, SQLite,
//     chromem-go); vector capability is probed at runtime, never assumed
//   - Embedder: text-to-vector conversion (mock, Ollama, ONNX)
//   - Generator: prompt-to-text conversion used for summaries (Anthropic,
//     Ollama)
//   - Manager: owns the buffer, the context window and all in-process
//     mutation; degrades gracefully when any external capability fails
//
// The manager is a library-level component. It defines no wire protocol
// and is constructed with explicit dependencies so multiple isolated
// managers can coexist under test.
package memory
