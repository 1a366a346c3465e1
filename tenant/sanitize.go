package tenant

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dbrown/permissible-ai/interfaces"
)

var unsafeIdentChars = regexp.MustCompile(`[^a-z0-9_]`)

// SanitizeIdentifier turns an arbitrary name into a token safe for direct use
// as a table or column name: lowercased, every character outside [a-z0-9_]
// replaced with an underscore, and prefixed so the result always starts with
// a letter. The function is total and deterministic; the output matches
// ^[a-z][a-z0-9_]*$.
func SanitizeIdentifier(name string) string {
	sanitized := unsafeIdentChars.ReplaceAllString(strings.ToLower(name), "_")
	if sanitized == "" {
		return "table_unnamed"
	}
	if sanitized[0] < 'a' || sanitized[0] > 'z' {
		sanitized = "table_" + sanitized
	}
	return sanitized
}

// DeriveTableName deterministically combines the dataset id and sanitized
// dataset name. The id component guarantees two datasets in one session can
// never collide on declared name alone.
func DeriveTableName(id interfaces.DatasetID, datasetName string) string {
	return fmt.Sprintf("dataset_%d_%s", int64(id), SanitizeIdentifier(datasetName))
}
