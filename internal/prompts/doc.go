// Package prompts assembles the system prompt the cube sends with every
// LLM request.
//
// Persona bodies are Go code rather than config files because they are
// program logic: they ship with the binary, can be validated by tests, and
// guarantee a working install with no data directory. A personas directory
// can still override or extend them with plain .md files.
//
// Every generated prompt opens with a Current Moment section so the model
// always knows the real date and time.
package prompts
