package config

// DefaultSystemInstruction frames every conversation.
const DefaultSystemInstruction = `You are an experienced technical writer producing a long, structured report in Markdown.
Write one section per request, following the outline agreed earlier in the conversation.
Use headings, numbered lists and tables where they help. Never repeat sections that were already written.
Finish every section with a complete sentence.`

// DefaultContinuationPrompt is sent once when a response looks cut off.
const DefaultContinuationPrompt = `Your previous answer was cut off. Continue exactly where it stopped, without repeating anything already written and without any preamble.`

// DefaultPipelineSteps is the outline-then-sections plan used when no
// pipeline is configured. Prompts are text/template strings.
func DefaultPipelineSteps() []PipelineStep {
	return []PipelineStep{
		{
			Name: "outline",
			Prompt: `Draft a detailed outline for a report on the following brief.
List the sections with two to four bullet points each.

Brief:
{{.Brief}}
{{if .Reference}}
Reference material:
{{.Reference}}
{{end}}`,
		},
		{
			Name: "introduction",
			Prompt: `{{if .Feedback}}Apply this feedback to the outline first: {{.Feedback}}

{{end}}Write the introduction section: context, problem statement and goals.`,
		},
		{
			Name: "analysis",
			Prompt: `{{if .Feedback}}Feedback on the previous section: {{.Feedback}}

{{end}}Continue with the analysis section: current state, limitations of existing approaches, supporting data in tables.`,
		},
		{
			Name: "proposal",
			Prompt: `{{if .Feedback}}Feedback on the previous section: {{.Feedback}}

{{end}}Continue with the proposal section: the solution, step by step, with concrete examples.`,
		},
		{
			Name: "impact",
			Prompt: `{{if .Feedback}}Feedback on the previous section: {{.Feedback}}

{{end}}Continue with the impact section: scope of application, expected benefits and measurable results.`,
		},
		{
			Name: "conclusion",
			Prompt: `{{if .Feedback}}Feedback on the previous section: {{.Feedback}}

{{end}}Write the conclusion and recommendations. This is the final section.`,
		},
	}
}
