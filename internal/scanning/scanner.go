// Package scanning adapts external optical recognition services to a
// single text transcription call.
package scanning

// Scanner turns a scanned document into plain text
type Scanner interface {
	// RecognizeText transcribes every readable line of an image/PDF
	RecognizeText(data []byte, contentType string) (string, error)
	// Close closes the scanner and releases resources
	Close() error
}
