package provider

import (
	gateway "github.com/relaymux/relay/internal"
)

// TokenCounter estimates token counts for adapter-side accounting.
type TokenCounter interface {
	CountText(model, text string) int
}

// ModelTable maps between gateway model ids and vendor model ids for one
// adapter. Built once at construction; read-only afterwards.
type ModelTable struct {
	models   []gateway.ModelDescriptor
	byID     map[string]string // gateway id -> vendor id
	byVendor map[string]string // vendor id -> gateway id
}

// NewModelTable builds a ModelTable from the adapter's descriptors.
func NewModelTable(models []gateway.ModelDescriptor) ModelTable {
	t := ModelTable{
		models:   models,
		byID:     make(map[string]string, len(models)),
		byVendor: make(map[string]string, len(models)),
	}
	for _, m := range models {
		t.byID[m.ID] = m.ProviderModelID
		t.byVendor[m.ProviderModelID] = m.ID
	}
	return t
}

// Models returns the adapter's descriptors.
func (t ModelTable) Models() []gateway.ModelDescriptor { return t.models }

// Vendor maps a gateway model id to the vendor's id, passing unknown ids
// through unchanged.
func (t ModelTable) Vendor(id string) string {
	if v, ok := t.byID[id]; ok && v != "" {
		return v
	}
	return id
}

// Gateway maps a vendor model id back to the gateway id, passing unknown ids
// through unchanged.
func (t ModelTable) Gateway(vendorID string) string {
	if v, ok := t.byVendor[vendorID]; ok {
		return v
	}
	return vendorID
}
