// Package prompts contains the prompt templates the step loop sends to
// models.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates are interpolated with fmt.Sprintf and checked by
// tests. Each prompt category gets its own file with an exported
// function that accepts the dynamic parts and returns the finished
// prompt string.
package prompts
