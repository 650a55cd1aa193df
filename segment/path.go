package segment

import "golang.org/x/text/unicode/norm"

// ConvertPath returns path in the form used for file system calls.
// Names are normalised to NFC so that decomposed names typed by a user
// match names generated by Patterns.
func ConvertPath(path string) string {
	return norm.NFC.String(path)
}
