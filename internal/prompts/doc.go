// Package prompts contains the instruction text the tutor sends to the
// language model.
//
// Prompt text is Go code rather than config files because it is program
// logic: the tag contract in the tutor prompt must match what the
// directive parser recognizes, and tests pin that down. Each prompt
// category gets its own file with an exported function that accepts the
// dynamic parts and returns the fully interpolated prompt string.
package prompts
