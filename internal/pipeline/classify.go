package pipeline

import "strings"

// permanentPhrases mark errors that no retry can fix: the video or its
// captions simply do not exist for us. Matching is case-insensitive
// substring. Both the job state machine and the retry scheduler classify
// through this single list.
var permanentPhrases = []string{
	"no subtitle",
	"no transcript",
	"video unavailable",
	"video is private",
	"deleted",
	"invalid video id",
	"members-only",
}

// RetryableError reports whether the error text describes a failure worth
// retrying. Unknown errors are treated as retryable, since most real
// failures here are transient network or proxy issues.
func RetryableError(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range permanentPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}
