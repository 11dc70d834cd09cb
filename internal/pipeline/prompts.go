package pipeline

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/maloun/qaorch/internal/github"
	"github.com/maloun/qaorch/internal/models"
)

var testCasesTmpl = template.Must(template.New("testcases").Parse(`You are a QA engineer generating comprehensive test cases for a software feature.

## Feature Information

**Summary:** {{.Summary}}
{{if .Description}}
**Description:**
{{.Description}}
{{end}}{{if .AcceptanceCriteria}}
**Acceptance Criteria:**
{{.AcceptanceCriteria}}
{{end}}
## Instructions

Generate test cases that cover:
1. Happy path scenarios (normal user flow)
2. Edge cases and boundary conditions
3. Error handling scenarios
4. Input validation

For each test case, provide:
- A clear, descriptive title
- A brief description of what is being tested
- Step-by-step actions with expected results
- The overall expected result

## Output Format

Return a JSON object with the following structure:
` + "```json" + `
{
  "testCases": [
    {
      "title": "Test case title",
      "description": "Brief description of what is being tested",
      "preconditions": "Any setup required before the test",
      "steps": [
        {
          "action": "Action to perform",
          "data": "Test data if applicable",
          "expectedResult": "Expected outcome of this step"
        }
      ],
      "expectedResult": "Overall expected result of the test",
      "tags": ["happy-path", "validation", "error-handling"]
    }
  ]
}
` + "```" + `

Generate 3-7 test cases that provide good coverage. Focus on the most important scenarios first.`))

type testCasesPromptData struct {
	Summary            string
	Description        string
	AcceptanceCriteria string
}

func testCasesPrompt(proc *models.Process) (string, error) {
	var b strings.Builder
	err := testCasesTmpl.Execute(&b, testCasesPromptData{
		Summary:            proc.TicketSummary,
		Description:        proc.TicketDescription,
		AcceptanceCriteria: proc.AcceptanceCriteria,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: render test cases prompt: %w", err)
	}
	return b.String(), nil
}

var codeTmpl = template.Must(template.New("code").Funcs(template.FuncMap{
	"inc": func(i int) int { return i + 1 },
}).Parse(`You are a senior test automation engineer writing Playwright tests for a web application.

## Feature Summary
{{.Summary}}

## Test Cases to Automate
{{range $i, $tc := .Cases}}### Test Case {{inc $i}}: {{$tc.Title}}
**Description:** {{or $tc.Description "N/A"}}
**Expected Result:** {{or $tc.ExpectedResult "N/A"}}

**Steps:**
{{range $tc.Steps}}- {{.Action}}{{if .Data}} (Data: {{.Data}}){{end}} → {{.ExpectedResult}}
{{end}}
{{end}}## Instructions

Generate a complete Playwright test file that:
1. Imports necessary dependencies
2. Uses existing page objects if available, or creates locators inline
3. Implements all test cases with proper assertions
4. Uses descriptive test names
5. Handles async operations properly
6. Includes proper error handling

## Output Format

Return ONLY the TypeScript code, no explanations. The code should be a complete, runnable test file.

` + "```typescript" + `
import { test, expect } from '@playwright/test';

test.describe('Feature: [Feature Name]', () => {
  test.beforeEach(async ({ page }) => {
    // Setup code
  });

  test('should [test description]', async ({ page }) => {
    // Test implementation
  });
});
` + "```" + `

Use meaningful variable names and add comments for complex logic.`))

type codePromptCase struct {
	Title          string
	Description    string
	ExpectedResult string
	Steps          []models.TestStep
}

type codePromptData struct {
	Summary string
	Cases   []codePromptCase
}

func codePrompt(proc *models.Process, cases []codePromptCase) (string, error) {
	var b strings.Builder
	err := codeTmpl.Execute(&b, codePromptData{Summary: proc.TicketSummary, Cases: cases})
	if err != nil {
		return "", fmt.Errorf("pipeline: render code prompt: %w", err)
	}
	return b.String(), nil
}

var analyzeTmpl = template.Must(template.New("analyze").Parse(`You are a QA analyst reviewing automated test results.

## Test Results
{{range .Jobs}}
### Job: {{.Name}}
- Status: {{.Status}}
- Conclusion: {{.Conclusion}}

**Steps:**
{{range .Steps}}- {{.Name}}: {{if .Conclusion}}{{.Conclusion}}{{else}}{{.Status}}{{end}}
{{end}}{{end}}
## Feature Context

**Jira Summary:** {{.Summary}}
{{if .Description}}
**Description:**
{{.Description}}
{{end}}
## Instructions

Analyze the test results and provide:
1. A concise summary of the overall test execution
2. Details of any failures with likely root causes
3. Recommendations for next steps

## Output Format

Return a JSON object with the following structure:
` + "```json" + `
{
  "summary": "Brief summary of overall results (1-2 sentences)",
  "passed": true,
  "totalTests": 5,
  "passedTests": 4,
  "failedTests": 1,
  "failures": [
    {
      "test": "Test name",
      "reason": "Brief explanation of why it failed",
      "possibleCause": "Likely root cause",
      "suggestedFix": "How to potentially fix this"
    }
  ],
  "recommendations": [
    "Recommendation 1",
    "Recommendation 2"
  ],
  "severity": "low|medium|high|critical",
  "canRelease": true
}
` + "```" + `

Be concise and actionable. Focus on what matters for the development team.`))

type analyzePromptData struct {
	Jobs        []github.RunJob
	Summary     string
	Description string
}

func analyzePrompt(proc *models.Process, jobs []github.RunJob) (string, error) {
	var b strings.Builder
	err := analyzeTmpl.Execute(&b, analyzePromptData{
		Jobs:        jobs,
		Summary:     proc.TicketSummary,
		Description: proc.TicketDescription,
	})
	if err != nil {
		return "", fmt.Errorf("pipeline: render analysis prompt: %w", err)
	}
	return b.String(), nil
}
