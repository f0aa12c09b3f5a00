package tasks

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vlmd/pkg/types"
)

func TestCheckDateOrder(t *testing.T) {
	assert.Empty(t, CheckDateOrder(map[string]string{"start_date": "2024-01-01", "end_date": "2024-12-31"}, nil))

	errs := CheckDateOrder(map[string]string{"start_date": "2024-12-31", "end_date": "2024-01-01"}, nil)
	assert.Equal(t, []string{"start_date (2024-12-31) should be before end_date (2024-01-01)"}, errs)

	// Mixed layouts still compare; unparseable dates are skipped.
	errs = CheckDateOrder(map[string]string{"date": "March 5, 2024", "due_date": "01/03/2024", "order_date": "soon", "delivery_date": "2024-01-01"}, nil)
	assert.Len(t, errs, 1)
	assert.Contains(t, errs[0], "date (March 5, 2024) should be before due_date")

	rules := []types.DateRule{{Before: "issued", After: "expires"}}
	assert.Len(t, CheckDateOrder(map[string]string{"issued": "2030-01-01", "expires": "2029-01-01"}, rules), 1)
	assert.Empty(t, CheckDateOrder(map[string]string{"start_date": "2024-12-31", "end_date": "2024-01-01"}, rules))
}

func TestMissingFields(t *testing.T) {
	data := map[string]any{
		"header":     map[string]any{"vendor_name": "Acme", "invoice_number": "  "},
		"line_items": []any{},
		"total":      0.0,
	}
	got := MissingFields(data, []string{"header.vendor_name", "header.invoice_number", "header.date", "line_items", "total", "payment.terms"})
	assert.Equal(t, []string{"header.invoice_number", "header.date", "line_items", "payment.terms"}, got)
}

func TestCheckDependencies(t *testing.T) {
	deps := []FieldDependency{{IfField: "discount", ThenRequired: []string{"discount_reason", "approver"}}}
	assert.Empty(t, CheckDependencies(map[string]any{"discount": 0.0}, deps))
	assert.Empty(t, CheckDependencies(map[string]any{"discount": false}, deps))
	assert.Equal(t,
		[]string{"approver is required when discount is present"},
		CheckDependencies(map[string]any{"discount": 5.0, "discount_reason": "loyalty"}, deps))
}

func TestCheckCrossReferences(t *testing.T) {
	primary := map[string]any{"header": map[string]any{"vendor_name": "ACME  Corp", "invoice_number": "INV-1"}}
	secondary := map[string]any{"vendor": "acme corp", "number": "INV-2", "total": "10"}
	pairs := []FieldPair{
		{Primary: "header.vendor_name", Secondary: "vendor"},
		{Primary: "header.invoice_number", Secondary: "number"},
		{Primary: "header.total", Secondary: "total"},
	}
	assert.Equal(t, []string{"Mismatch: header.invoice_number='INV-1' vs number='INV-2'"}, CheckCrossReferences(primary, secondary, pairs))
}

func TestFieldExtractionCrossFieldErrors(t *testing.T) {
	req := imageRequest(TaskFieldExtraction)
	req.Schema = &types.ExtractionSchema{Fields: []types.SchemaField{
		{Name: "po", Required: true},
		{Name: "discount", Type: "currency"},
		{Name: "discount_reason", RequiredIf: "discount"},
		{Name: "date", Type: "date"},
		{Name: "due_date", Type: "date"},
	}}
	res, err := Parse(FieldExtraction{}, req, `{"discount": "$5", "date": "2024-03-01", "due_date": "2024-02-01"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"po is required",
		"discount_reason is required when discount is present",
		"date (2024-03-01) should be before due_date (2024-02-01)",
	}, res.Data["cross_field_errors"])

	res, err = Parse(FieldExtraction{}, req, `{"po": "77", "date": "2024-01-01", "due_date": "2024-02-01"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{}, res.Data["cross_field_errors"])
}

func TestPresetDateRules(t *testing.T) {
	req := imageRequest(TaskFieldExtraction)
	req.Preset = "id_card"
	res, err := Parse(FieldExtraction{}, req, `{"full_name": "Ann", "date_of_birth": "2030-01-01", "expiry_date": "2029-01-01"}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"date_of_birth (2030-01-01) should be before expiry_date (2029-01-01)"}, res.Data["cross_field_errors"])
}

func TestCheckSchemaCrossFieldReferences(t *testing.T) {
	s := &types.ExtractionSchema{Fields: []types.SchemaField{{Name: "a"}, {Name: "b", RequiredIf: "c"}}}
	var ie *InputError
	require.ErrorAs(t, CheckSchema(s), &ie)
	assert.Equal(t, "schema.fields[1].required_if", ie.Field)

	s = &types.ExtractionSchema{Fields: []types.SchemaField{{Name: "a"}}, DateRules: []types.DateRule{{Before: "a", After: "z"}}}
	require.ErrorAs(t, CheckSchema(s), &ie)
	assert.Equal(t, "schema.date_rules[0]", ie.Field)
}

func TestInvoiceAndContractDateOrder(t *testing.T) {
	raw := `{"header": {"invoice_number": "INV-1", "date": "2024-02-10", "due_date": "2024-01-10"},
		"line_items": [], "summary": {"subtotal": 10, "tax": 0, "total": 10}}`
	res, err := Invoice{}.ParseOutput(raw)
	require.NoError(t, err)
	v := res.Data["validation"].(InvoiceValidation)
	assert.False(t, v.IsValid)
	assert.Equal(t, []string{"date (2024-02-10) should be before due_date (2024-01-10)"}, v.Errors)

	res, err = Contract{}.ParseOutput(`{"dates": {"effective_date": "2025-01-15", "termination_date": "2024-01-15"}}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"effective_date (2025-01-15) should be before termination_date (2024-01-15)"}, res.Data["date_errors"])
}
