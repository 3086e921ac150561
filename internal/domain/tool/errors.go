package tool

// ErrorCode is drawn from the closed set of spec §6. It is carried in a
// Result's Metadata under the "errorCode" key.
type ErrorCode string

const (
	ErrExternalPathsDisabled       ErrorCode = "external_paths_disabled"
	ErrWorkspaceBoundaryCheckFailed ErrorCode = "workspace_boundary_check_failed"
	ErrTooLarge                    ErrorCode = "too_large"
	ErrReadRequiresRange           ErrorCode = "read_requires_range"
	ErrReadLimitExceeded           ErrorCode = "read_limit_exceeded"
	ErrWriteOverwriteBlocked       ErrorCode = "write_overwrite_blocked"
	ErrEditOldStringNotFound       ErrorCode = "edit_oldstring_not_found"
	ErrEditOldStringMultipleMatches ErrorCode = "edit_oldstring_multiple_matches"
	ErrBashRequiresBackgroundOrTimeout ErrorCode = "bash_requires_background_or_timeout"
	ErrUnknownFileID               ErrorCode = "unknown_file_id"
	ErrUnknownSymbolID             ErrorCode = "unknown_symbol_id"
	ErrUnknownMatchID              ErrorCode = "unknown_match_id"
	ErrUnknownLocID                ErrorCode = "unknown_loc_id"
	ErrTaskRecursionDenied         ErrorCode = "task_recursion_denied"
	ErrMissingModel                ErrorCode = "missing_model"
)

// MAX_TOOL_RESULT_LENGTH per spec §4.G.
const MaxToolResultLength = 40000

// UserRejectedMessage is the deterministic error text for approval
// rejections (spec §7 "User rejections").
const UserRejectedMessage = "User rejected this action"

// NewErrorResult builds a {success:false} Result carrying the given
// error code, matching the Result{Output,Display,Success,Metadata,Error}
// shape the teacher's tool.Result already uses.
func NewErrorResult(code ErrorCode, message string) *Result {
	return &Result{
		Success: false,
		Error:   message,
		Metadata: map[string]interface{}{
			"errorCode": string(code),
		},
	}
}

// TruncateOutput hard-caps text at MaxToolResultLength characters,
// appending a truncation suffix, ported from
// internal/domain/service/sanitize.go's truncateOutput. Returns the
// (possibly truncated) text and whether truncation occurred.
func TruncateOutput(text string) (string, bool) {
	if len(text) <= MaxToolResultLength {
		return text, false
	}
	cut := text[:MaxToolResultLength]
	return cut + "\n\n... [TRUNCATED]", true
}
