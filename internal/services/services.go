// Package services implements the backends the chat session talks to: the streaming chat adapters,
// the chart image generators and the conversation stores.
package services

const errLoggerKey = "err"
