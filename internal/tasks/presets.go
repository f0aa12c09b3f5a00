package tasks

import (
	"sort"

	"vlmd/pkg/types"
)

var presetSchemas = map[string]types.ExtractionSchema{
	"invoice": {Fields: []types.SchemaField{
		{Name: "invoice_number", Type: "string", Description: "Invoice number or ID", Required: true},
		{Name: "date", Type: "date", Description: "Invoice date"},
		{Name: "due_date", Type: "date", Description: "Payment due date"},
		{Name: "vendor_name", Type: "string", Description: "Vendor/seller name"},
		{Name: "vendor_address", Type: "string", Description: "Vendor address"},
		{Name: "customer_name", Type: "string", Description: "Customer/buyer name"},
		{Name: "subtotal", Type: "currency", Description: "Subtotal amount"},
		{Name: "tax", Type: "currency", Description: "Tax amount"},
		{Name: "total", Type: "currency", Description: "Total amount", Required: true},
	}},
	"receipt": {Fields: []types.SchemaField{
		{Name: "store_name", Type: "string", Description: "Store/merchant name"},
		{Name: "date", Type: "date", Description: "Transaction date"},
		{Name: "items", Type: "array", Description: "List of purchased items"},
		{Name: "subtotal", Type: "currency", Description: "Subtotal"},
		{Name: "tax", Type: "currency", Description: "Tax amount"},
		{Name: "total", Type: "currency", Description: "Total amount", Required: true},
		{Name: "payment_method", Type: "string", Description: "Payment method used"},
	}},
	"id_card": {Fields: []types.SchemaField{
		{Name: "full_name", Type: "string", Description: "Full name"},
		{Name: "date_of_birth", Type: "date", Description: "Date of birth"},
		{Name: "id_number", Type: "string", Description: "ID/document number"},
		{Name: "expiry_date", Type: "date", Description: "Expiration date"},
		{Name: "address", Type: "string", Description: "Address"},
		{Name: "nationality", Type: "string", Description: "Nationality/country"},
	}, DateRules: []types.DateRule{{Before: "date_of_birth", After: "expiry_date"}}},
	"business_card": {Fields: []types.SchemaField{
		{Name: "name", Type: "string", Description: "Person's name"},
		{Name: "title", Type: "string", Description: "Job title"},
		{Name: "company", Type: "string", Description: "Company name"},
		{Name: "email", Type: "email", Description: "Email address"},
		{Name: "phone", Type: "phone", Description: "Phone number"},
		{Name: "address", Type: "string", Description: "Address"},
		{Name: "website", Type: "url", Description: "Website URL"},
	}},
}

// Preset returns a copy of a named extraction schema.
func Preset(name string) (types.ExtractionSchema, bool) {
	s, ok := presetSchemas[name]
	if !ok {
		return types.ExtractionSchema{}, false
	}
	return types.ExtractionSchema{
		Fields:    append([]types.SchemaField(nil), s.Fields...),
		DateRules: append([]types.DateRule(nil), s.DateRules...),
	}, true
}

// Presets lists preset names in sorted order.
func Presets() []string {
	out := make([]string, 0, len(presetSchemas))
	for k := range presetSchemas {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
