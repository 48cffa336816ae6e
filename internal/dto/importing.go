package dto

// ConfirmImportRequest is the wire payload of the import confirm operation.
// Mappings keys are ambiguous candidate indices rendered as strings.
type ConfirmImportRequest struct {
	PreviewID string            `json:"previewId"`
	Mappings  map[string]string `json:"mappings"`
}
