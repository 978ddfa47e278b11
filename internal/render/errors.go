package render

import "errors"

// Sentinel errors for browser operations.
var (
	ErrBrowserConnect = errors.New("failed to connect to browser")
	ErrPageCreate     = errors.New("failed to create browser page")
	ErrPageLoad       = errors.New("failed to load page")
	ErrPDFGeneration  = errors.New("PDF generation failed")
	ErrNavigation     = errors.New("navigation blocked")
	ErrPoolClosed     = errors.New("browser pool closed")
)
