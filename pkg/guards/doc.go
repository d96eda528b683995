// Package guards provides built-in guards: an OPA policy guard evaluating Rego
// against the incoming packet, and a token-bucket rate limit per node.
package guards
