package image

import "errors"

var (
	ErrEmptyArchive     = errors.New("archive contains no image")
	ErrMultipleImages   = errors.New("archive contains multiple images")
	ErrMalformedArchive = errors.New("malformed image archive")
	ErrExport           = errors.New("image export failed")
)
