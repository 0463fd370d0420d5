// Package upload stores screenshot files with an external provider and
// returns a public URL for the entry's screenshotUrl field.
package upload

import "context"

// Uploader pushes a file to a storage provider.
type Uploader interface {
	Upload(ctx context.Context, filename, contentType string, data []byte) (string, error)
}
