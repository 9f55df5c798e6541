package neurosim

import "errors"

// Upload validation errors. All of them wrap core.ErrInput when returned.
var (
	// ErrUnsupportedFileType indicates an upload that is not plain text or markdown.
	ErrUnsupportedFileType = errors.New("only .txt and .md files are supported")

	// ErrFileTooLarge indicates an upload over the configured size limit.
	ErrFileTooLarge = errors.New("file exceeds the upload size limit")

	// ErrEmptyFile indicates an upload with no content.
	ErrEmptyFile = errors.New("file is empty")

	// ErrInvalidEncoding indicates an upload that is not valid UTF-8.
	ErrInvalidEncoding = errors.New("file is not valid UTF-8 text")

	// ErrServiceClosed is returned by operations on a closed Service.
	ErrServiceClosed = errors.New("service is closed")
)
