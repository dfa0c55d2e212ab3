package core

// error_messages.go maps technical errors to user-facing messages with codes
// for support reference. When users encounter errors, they can quote the code
// to support staff for faster diagnosis.
//
// # Upload Errors (UPL001-UPL099)
//
//	UPL001 - Out of order: Chunk arrived before the previous one was acknowledged
//	         Action: Resume from the last acknowledged chunk
//	         Patterns: "chunk index out of order"
//
//	UPL002 - Session closed: Upload session is no longer accepting data
//	         Action: Start a new upload
//	         Patterns: "sink is closed"
//
//	UPL003 - Session expired: Upload session not found
//	         Action: The upload may have expired. Please start a new upload
//	         Patterns: "upload session"
//
//	UPL004 - Request cancelled: Request was cancelled
//	         Patterns: "context canceled"
//
//	UPL005 - Request timeout: Request timed out
//	         Patterns: "context deadline exceeded"
//
//	UPL006 - Chunk too large: Chunk exceeds the configured maximum
//	         Patterns: "chunk too large"
//
// # Validation Errors (VAL001-VAL099)
//
//	VAL001 - No rules: No transformation rules were supplied
//	VAL002 - Unknown rule: Rule type is not one of rename, calculate, filter
//	VAL003 - Bad expression: Expression could not be compiled
//	VAL004 - Missing identifier: A required request identifier is missing
//	VAL005 - Invalid request: Any other rejected header, id or body
//
// # File Errors (FILE001-FILE099)
//
//	FILE001 - Not found: File record or file on disk is missing
//	FILE002 - Not CSV: Only .csv files can be transformed
//	FILE003 - Disk failure: Reading or writing the file failed
//	FILE004 - Empty file: The file has no header line
//	FILE005 - Not ready: The upload is still in progress or was aborted
//
// # Range Errors (RNG001)
//
//	RNG001 - Range not satisfiable: Requested bytes are outside the file
//
// # Processing Errors (PROC001-PROC099)
//
//	PROC001 - System busy: Too many jobs in progress
//	PROC002 - Row evaluation: An expression failed for a row
//
// # Rate Limiting (RATE001)
//
//	RATE001 - Rate limited: Too many requests
//
// # Default Error (ERR000)
//
// Fallback when no specific pattern matches. Support staff should check
// application logs for the original technical error.
//
// Patterns are matched case-insensitively using strings.Contains and the
// first match wins, so more specific patterns come before general ones.

import (
	"fmt"
	"strings"
)

// UserMessage provides user-friendly error information with actionable guidance.
type UserMessage struct {
	Message string // What happened (user-friendly)
	Action  string // What to do about it
	Code    string // Error code for support reference
}

type errorPattern struct {
	pattern string
	msg     UserMessage
}

var errorPatterns = []errorPattern{
	// Upload sessions
	{
		pattern: "chunk index out of order",
		msg: UserMessage{
			Message: "Chunk arrived out of order",
			Action:  "Resume from the last acknowledged chunk",
			Code:    "UPL001",
		},
	},
	{
		pattern: "sink is closed",
		msg: UserMessage{
			Message: "Upload session is no longer accepting data",
			Action:  "Start a new upload",
			Code:    "UPL002",
		},
	},
	{
		pattern: "upload session",
		msg: UserMessage{
			Message: "Upload session not found",
			Action:  "The upload may have expired. Please start a new upload",
			Code:    "UPL003",
		},
	},
	{
		pattern: "context canceled",
		msg: UserMessage{
			Message: "Request was cancelled",
			Action:  "Please try again",
			Code:    "UPL004",
		},
	},
	{
		pattern: "context deadline exceeded",
		msg: UserMessage{
			Message: "Request timed out",
			Action:  "Try a smaller file or check your connection",
			Code:    "UPL005",
		},
	},
	{
		pattern: "chunk too large",
		msg: UserMessage{
			Message: "Chunk exceeds the maximum size",
			Action:  "Send smaller chunks",
			Code:    "UPL006",
		},
	},

	// Validation
	{
		pattern: "no transformation rules",
		msg: UserMessage{
			Message: "No transformation rules were supplied",
			Action:  "Add at least one rename, calculate or filter rule",
			Code:    "VAL001",
		},
	},
	{
		pattern: "unknown rule type",
		msg: UserMessage{
			Message: "Unknown transformation rule",
			Action:  "Use one of: rename, calculate, filter",
			Code:    "VAL002",
		},
	},
	{
		pattern: "invalid expression",
		msg: UserMessage{
			Message: "Expression could not be understood",
			Action:  "Check the formula or condition for typos",
			Code:    "VAL003",
		},
	},
	{
		pattern: "is required",
		msg: UserMessage{
			Message: "A required value is missing",
			Action:  "Check the request headers and body",
			Code:    "VAL004",
		},
	},

	// Files
	{
		pattern: "file is not ready",
		msg: UserMessage{
			Message: "The file has not finished uploading",
			Action:  "Wait for the upload to complete, or upload the file again",
			Code:    "FILE005",
		},
	},
	{
		pattern: "not a csv",
		msg: UserMessage{
			Message: "Only CSV files can be transformed",
			Action:  "Choose a file ending in .csv",
			Code:    "FILE002",
		},
	},
	{
		pattern: "empty file",
		msg: UserMessage{
			Message: "The file is empty",
			Action:  "Upload a CSV file with a header line",
			Code:    "FILE004",
		},
	},
	{
		pattern: "not found",
		msg: UserMessage{
			Message: "File not found",
			Action:  "Refresh the file list and try again",
			Code:    "FILE001",
		},
	},
	{
		pattern: "bytes written",
		msg: UserMessage{
			Message: "Reading or writing the file failed",
			Action:  "Please try again",
			Code:    "FILE003",
		},
	},

	{
		pattern: "validation failed",
		msg: UserMessage{
			Message: "The request was not valid",
			Action:  "Check the request headers and body",
			Code:    "VAL005",
		},
	},

	// Ranges
	{
		pattern: "range not satisfiable",
		msg: UserMessage{
			Message: "Requested range is outside the file",
			Action:  "Request a range within the file size",
			Code:    "RNG001",
		},
	},

	// Processing
	{
		pattern: "too many concurrent jobs",
		msg: UserMessage{
			Message: "System is busy processing other files",
			Action:  "Please wait a moment and try again",
			Code:    "PROC001",
		},
	},
	{
		pattern: "row evaluation",
		msg: UserMessage{
			Message: "An expression failed for a row",
			Action:  "Check that referenced columns exist and hold numbers",
			Code:    "PROC002",
		},
	},

	// Rate limiting
	{
		pattern: "rate limit",
		msg: UserMessage{
			Message: "Too many requests",
			Action:  "Please wait a moment before trying again",
			Code:    "RATE001",
		},
	},
}

// defaultMessage is returned when no pattern matches (ERR000).
var defaultMessage = UserMessage{
	Message: "An unexpected error occurred",
	Action:  "Please try again or contact support",
	Code:    "ERR000",
}

// MapError converts a technical error to a user-friendly message.
// It returns the first matching pattern, or ERR000 when none match.
//
//	msg := MapError(fmt.Errorf("chunk 3: %w", ErrChunkOutOfOrder))
//	// msg.Code == "UPL001"
func MapError(err error) UserMessage {
	if err == nil {
		return UserMessage{}
	}

	errStr := strings.ToLower(err.Error())

	for _, ep := range errorPatterns {
		if strings.Contains(errStr, ep.pattern) {
			return ep.msg
		}
	}

	return defaultMessage
}

// FormatUserError creates a formatted error string for display.
// The format is: "Message (Code: XXX). Action"
func FormatUserError(err error) string {
	msg := MapError(err)
	if msg.Message == "" {
		return ""
	}
	return fmt.Sprintf("%s (Code: %s). %s", msg.Message, msg.Code, msg.Action)
}

// IsUserFacing reports whether err matches a known pattern rather than the
// ERR000 fallback.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	return MapError(err).Code != defaultMessage.Code
}
