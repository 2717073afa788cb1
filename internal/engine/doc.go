// Package engine drives sessions through their stage graphs.
//
// Each session gets one runner goroutine that owns every state mutation for
// that session, so transitions and their checkpoints commit serially. Agent
// invocations and supervisor scoring run in separate goroutines and report
// back over channels, which lets independent branches of the graph execute
// concurrently while the runner remains the single writer. The durable order
// for every transition is: write the checkpoint, persist the stage record,
// then emit the event. A checkpoint therefore always reflects a fully-applied
// transition, and a crash between steps is recovered by reverting in-flight
// stages to pending on startup.
package engine
