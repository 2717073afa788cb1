// Package agent defines the invocation port the workflow engine drives
// stages through, plus the error taxonomy that decides whether a failed
// invocation is retried.
//
// The engine never inspects artifact content. It needs three things from an
// invocation: success or failure, the error kind (transient or permanent),
// and for scored stages a numeric review. The bundled LLM port speaks the
// OpenAI-compatible chat completion protocol; any other backend can be wired
// in by implementing Port.
package agent
