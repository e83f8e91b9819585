// Package idle implements an idle-triggered background processing loop.
//
// A Processor owns a single goroutine that blocks until work is signalled,
// then holds off executing until the host has been quiet for a configured
// back-off window. Producers refresh the activity timestamp on every change,
// which debounces bursty input; a consumer that is blocked waiting on results
// can expedite execution through the optrace listener's blocked signal.
//
// The processor is deliberately agnostic to what "work" means: it drives a
// Source (wait for work) and an Executor (run pending work) and nothing else.
package idle
