package report

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/coursecraft/loom/pkg/types"
)

// ErrorInfo is the structured error payload workers emit as JSON. Plain-text
// errors are wrapped into an ErrorInfo with only the message set.
type ErrorInfo struct {
	ErrorType    string `json:"error_type,omitempty"`
	Category     string `json:"category,omitempty"`
	ErrorClass   string `json:"error_class,omitempty"`
	ErrorMessage string `json:"error_message"`
	Traceback    string `json:"traceback,omitempty"`
}

// ParseErrorMessage decodes a worker error message into an ErrorInfo,
// stripping ANSI escape sequences from every string it contains. Messages
// that are not JSON objects become plain-text ErrorInfos.
func ParseErrorMessage(message string) ErrorInfo {
	cleaned := StripANSI(message)

	var raw map[string]any
	if err := json.Unmarshal([]byte(cleaned), &raw); err == nil {
		stripped, _ := stripANSIValue(raw).(map[string]any)
		data, err := json.Marshal(stripped)
		if err == nil {
			var info ErrorInfo
			if err := json.Unmarshal(data, &info); err == nil {
				if info.ErrorMessage == "" {
					info.ErrorMessage = cleaned
				}
				return info
			}
		}
	}

	return ErrorInfo{ErrorMessage: cleaned}
}

// CategorizeJobError analyzes a failed job and produces a categorized error
// with guidance. The error message may be a JSON-encoded ErrorInfo from the
// worker or plain text.
func CategorizeJobError(
	jobType types.JobType,
	inputFile string,
	errorMessage string,
	payload map[string]any,
	jobID int64,
	correlationID string,
) *BuildError {
	info := ParseErrorMessage(errorMessage)

	switch jobType {
	case types.JobTypeNotebook:
		return categorizeNotebookError(inputFile, info, jobID, correlationID)
	case types.JobTypePlantUML:
		return categorizePlantUMLError(inputFile, info, jobID, correlationID)
	case types.JobTypeDrawIO:
		return categorizeDrawIOError(inputFile, info, jobID, correlationID)
	default:
		return &BuildError{
			ErrorType:          ErrorTypeInfrastructure,
			Category:           "unknown_job_type",
			Severity:           SeverityError,
			FilePath:           inputFile,
			Message:            fmt.Sprintf("Unknown job type: %s", jobType),
			ActionableGuidance: "This is likely a bug in loom. Please report this issue.",
			JobID:              jobID,
			CorrelationID:      correlationID,
		}
	}
}

func categorizeNotebookError(inputFile string, info ErrorInfo, jobID int64, correlationID string) *BuildError {
	message := info.ErrorMessage
	if message == "" {
		message = "Unknown error"
	}

	details := ParseTracebackDetails(message, info.Traceback)

	var errorType ErrorType
	var category, guidance string

	switch {
	case containsAny(message, "SyntaxError", "NameError", "IndentationError", "TypeError") ||
		containsAny(info.ErrorClass, "SyntaxError", "NameError", "IndentationError", "TypeError"):
		errorType = ErrorTypeUser
		category = "notebook_compilation"
		cellInfo := ""
		if n, ok := details["cell_number"]; ok {
			cellInfo = fmt.Sprintf(" in cell #%v", n)
		}
		class := info.ErrorClass
		if class == "" {
			class = "error"
		}
		guidance = fmt.Sprintf("Fix the %s%s in your notebook", class, cellInfo)

	case strings.Contains(message, "FileNotFoundError") && strings.Contains(strings.ToLower(message), "template"):
		errorType = ErrorTypeConfiguration
		category = "missing_template"
		guidance = "Ensure templates are available in the template directory"

	case strings.Contains(message, "TimeoutError") || strings.Contains(strings.ToLower(message), "worker"):
		errorType = ErrorTypeInfrastructure
		category = "worker_timeout"
		guidance = "Worker timed out. Check worker logs with 'loom workers status'"

	case containsAny(message, "ModuleNotFoundError", "ImportError"):
		errorType = ErrorTypeUser
		category = "missing_module"
		guidance = "Install the required module or check your imports"

	default:
		errorType = ErrorTypeUser
		category = "notebook_processing"
		guidance = "Check your notebook for errors. Run with --log-level debug for more details"
	}

	return &BuildError{
		ErrorType:          errorType,
		Category:           category,
		Severity:           SeverityError,
		FilePath:           inputFile,
		Message:            message,
		ActionableGuidance: guidance,
		JobID:              jobID,
		CorrelationID:      correlationID,
		Details:            details,
	}
}

func categorizePlantUMLError(inputFile string, info ErrorInfo, jobID int64, correlationID string) *BuildError {
	message := info.ErrorMessage
	if message == "" {
		message = "Unknown error"
	}

	if strings.Contains(message, "PLANTUML_JAR") || strings.Contains(strings.ToLower(message), "not found") {
		return &BuildError{
			ErrorType: ErrorTypeConfiguration,
			Category:  "missing_plantuml",
			Severity:  SeverityError,
			FilePath:  inputFile,
			Message:   message,
			ActionableGuidance: "Install the PlantUML JAR and set the PLANTUML_JAR environment variable. " +
				"See documentation for setup instructions.",
			JobID:         jobID,
			CorrelationID: correlationID,
		}
	}

	return &BuildError{
		ErrorType:          ErrorTypeUser,
		Category:           "plantuml_syntax",
		Severity:           SeverityError,
		FilePath:           inputFile,
		Message:            message,
		ActionableGuidance: "Check your PlantUML diagram syntax",
		JobID:              jobID,
		CorrelationID:      correlationID,
	}
}

func categorizeDrawIOError(inputFile string, info ErrorInfo, jobID int64, correlationID string) *BuildError {
	message := info.ErrorMessage
	if message == "" {
		message = "Unknown error"
	}

	if strings.Contains(message, "DRAWIO_EXECUTABLE") || strings.Contains(strings.ToLower(message), "not found") {
		return &BuildError{
			ErrorType: ErrorTypeConfiguration,
			Category:  "missing_drawio",
			Severity:  SeverityError,
			FilePath:  inputFile,
			Message:   message,
			ActionableGuidance: "Install DrawIO desktop and set the DRAWIO_EXECUTABLE environment variable. " +
				"See documentation for setup instructions.",
			JobID:         jobID,
			CorrelationID: correlationID,
		}
	}

	return &BuildError{
		ErrorType:          ErrorTypeUser,
		Category:           "drawio_processing",
		Severity:           SeverityError,
		FilePath:           inputFile,
		Message:            message,
		ActionableGuidance: "Check your DrawIO diagram for errors",
		JobID:              jobID,
		CorrelationID:      correlationID,
	}
}

// NoWorkersError creates the fatal error raised when a job type has no
// healthy workers
func NoWorkersError(jobType types.JobType) *BuildError {
	return &BuildError{
		ErrorType: ErrorTypeInfrastructure,
		Category:  "no_workers",
		Severity:  SeverityFatal,
		Message:   fmt.Sprintf("No workers available for job type '%s'", jobType),
		ActionableGuidance: fmt.Sprintf(
			"Start %s workers with 'loom workers start' or check worker health with 'loom workers status'",
			jobType,
		),
	}
}

// GenericError creates a categorized error without job-type specific rules
func GenericError(message, filePath string, errorType ErrorType, severity Severity) *BuildError {
	guidance := map[ErrorType]string{
		ErrorTypeUser:           "Check your input files and fix any issues",
		ErrorTypeConfiguration:  "Check your loom configuration and environment",
		ErrorTypeInfrastructure: "This may be a bug in loom. Check logs or file an issue",
	}

	return &BuildError{
		ErrorType:          errorType,
		Category:           "generic_error",
		Severity:           severity,
		FilePath:           filePath,
		Message:            message,
		ActionableGuidance: guidance[errorType],
	}
}

var (
	cellNumberPattern   = regexp.MustCompile(`(?:in|at)\s+[Cc]ell\s*#?(\d+)`)
	cellBracketPattern  = regexp.MustCompile(`[Cc]ell\s*\[?(\d+)\]?`)
	errorClassPattern   = regexp.MustCompile(`(\w+(?:Error|Exception))\s*:?\s*`)
	lineNumberPattern   = regexp.MustCompile(`(?i)line\s+(\d+)`)
	numberedLinePattern = regexp.MustCompile(`^\s*\d+:`)
	sourceFilePattern   = regexp.MustCompile(`File\s+"([^"]+)"`)
)

// ParseTracebackDetails extracts structured details from an error message
// and traceback so downstream consumers need not re-parse them: cell number,
// error class, short message, line number, code snippet, and source file.
func ParseTracebackDetails(errorMessage, traceback string) map[string]any {
	details := make(map[string]any)
	fullText := errorMessage + "\n" + traceback

	if m := cellNumberPattern.FindStringSubmatch(fullText); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			details["cell_number"] = n
		}
	} else if m := cellBracketPattern.FindStringSubmatch(fullText); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			details["cell_number"] = n
		}
	}

	if loc := errorClassPattern.FindStringSubmatchIndex(fullText); loc != nil {
		details["error_class"] = fullText[loc[2]:loc[3]]

		msgStart := loc[1]
		msgEnd := strings.Index(fullText[msgStart:], "\n")
		var short string
		if msgEnd > 0 {
			short = strings.TrimSpace(fullText[msgStart : msgStart+msgEnd])
		} else {
			short = strings.TrimSpace(fullText[msgStart:])
		}
		if short != "" {
			details["short_message"] = short
		}
	}

	if m := lineNumberPattern.FindStringSubmatch(fullText); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			details["line_number"] = n
		}
	}

	if snippet := extractCodeSnippet(fullText); snippet != "" {
		details["code_snippet"] = snippet
	}

	if m := sourceFilePattern.FindStringSubmatch(fullText); m != nil {
		details["source_file"] = m[1]
	}

	return details
}

// extractCodeSnippet collects code lines from a traceback: numbered source
// lines, interactive prompts, the ---> error marker, and trailing indented
// continuation lines. Capped at 10 lines.
func extractCodeSnippet(fullText string) string {
	var codeLines []string
	inCodeBlock := false

	for _, line := range strings.Split(fullText, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case numberedLinePattern.MatchString(line):
			codeLines = append(codeLines, trimmed)
			inCodeBlock = true
		case strings.HasPrefix(trimmed, ">>>") || strings.HasPrefix(trimmed, "..."):
			codeLines = append(codeLines, trimmed)
			inCodeBlock = true
		case strings.Contains(line, "--->"):
			codeLines = append(codeLines, trimmed)
			inCodeBlock = true
		case inCodeBlock && trimmed != "" && (strings.HasPrefix(line, "    ") || strings.HasPrefix(line, "\t")):
			codeLines = append(codeLines, trimmed)
		case inCodeBlock && trimmed == "":
			goto done
		}
	}
done:

	if len(codeLines) == 0 {
		return ""
	}
	if len(codeLines) > 10 {
		return strings.Join(codeLines[:10], "\n") + "\n... (truncated)"
	}
	return strings.Join(codeLines, "\n")
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
