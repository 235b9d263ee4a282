// Package llm contains adapters for invoking large language models with
// function-calling support. It abstracts away provider-specific APIs and
// normalizes request/response lifecycles for the agent runtime: a prompt
// plus a set of operation schemas in, either free text or a single
// structured function call out.
package llm
