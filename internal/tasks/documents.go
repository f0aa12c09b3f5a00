package tasks

import (
	"fmt"
	"math"
	"strings"

	"vlmd/pkg/types"
)

var formTmpl = template{
	info: types.TaskInfo{
		ID:            TaskForm,
		Description:   "Read form fields, checkboxes and signatures",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in form understanding. " +
		"Extract key-value pairs, detect checkboxes and radio buttons, " +
		"identify signatures, and understand form structure from document images.",
}

// Form reads filled-in forms. Options: checkboxes=false, signatures=false.
type Form struct{}

func (Form) Info() types.TaskInfo { return formTmpl.info }

func (Form) BuildPrompt(req Request) (types.PromptSpec, error) {
	var b strings.Builder
	b.WriteString("Analyze this form and extract the following information:\n\n")
	b.WriteString("1. **Key-Value Pairs**: All form fields with their labels and values\n")
	if req.Option("checkboxes") != "false" {
		b.WriteString("2. **Checkboxes/Radio Buttons**: All selection controls with their state (checked/unchecked)\n")
	}
	if req.Option("signatures") != "false" {
		b.WriteString("3. **Signatures**: Detect any signature fields or handwritten signatures\n")
	}
	b.WriteString("\nReturn as JSON:\n```json\n{\n" +
		`  "fields": [{"key": "field label", "value": "field value", "type": "text|date|number|dropdown", "required": true, "bbox": {"x1": 0, "y1": 0, "x2": 100, "y2": 50}}],` + "\n" +
		`  "checkboxes": [{"label": "checkbox label", "checked": true, "group": "group name if radio button", "bbox": {"x1": 0, "y1": 0, "x2": 20, "y2": 20}}],` + "\n" +
		`  "signatures": [{"type": "handwritten|digital|stamp", "name": "signer name if visible", "date": "date if present", "bbox": {"x1": 0, "y1": 0, "x2": 200, "y2": 100}}]` + "\n" +
		"}\n```")
	return formTmpl.prompt(req, b.String()), nil
}

func (Form) ParseOutput(raw string) (types.Result, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return types.Result{}, noStructuredOutput(TaskForm)
	}
	res := types.Result{Fields: map[string]types.Field{}}
	for _, item := range asSlice(obj["fields"]) {
		m := asMap(item)
		key := strings.TrimSpace(toString(m["key"]))
		if key == "" {
			continue
		}
		f := types.Field{Value: toString(m["value"]), Type: toString(m["type"]), Box: boxPtr(m["bbox"])}
		res.Fields[key] = f
		if f.Box != nil {
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *f.Box, Label: key})
		}
	}
	checkboxes := nonNil(asSlice(obj["checkboxes"]))
	for _, item := range checkboxes {
		m := asMap(item)
		if b := boxPtr(m["bbox"]); b != nil {
			state := "unchecked"
			if v, _ := m["checked"].(bool); v {
				state = "checked"
			}
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *b, Label: toString(m["label"]) + " [" + state + "]"})
		}
	}
	signatures := nonNil(asSlice(obj["signatures"]))
	for _, item := range signatures {
		if b := boxPtr(asMap(item)["bbox"]); b != nil {
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *b, Label: "signature"})
		}
	}
	res.Boxes = boxesOf(res.Overlay)
	res.Data = map[string]any{"checkboxes": checkboxes, "signatures": signatures}
	return res, nil
}

var invoiceTmpl = template{
	info: types.TaskInfo{
		ID:            TaskInvoice,
		Description:   "Parse invoices and receipts with arithmetic validation",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in invoice and receipt parsing. " +
		"Extract vendor information, line items, taxes, totals, dates, and payment details " +
		"from invoice and receipt documents with high accuracy.",
}

// Invoice parses invoices. Options: document_type=invoice|receipt.
type Invoice struct{}

func (Invoice) Info() types.TaskInfo { return invoiceTmpl.info }

func (Invoice) BuildPrompt(req Request) (types.PromptSpec, error) {
	doc := "invoice"
	switch req.Option("document_type") {
	case "", "invoice":
	case "receipt":
		doc = "receipt"
	default:
		return types.PromptSpec{}, &InputError{Field: "options.document_type", Reason: "must be invoice or receipt"}
	}
	user := "Parse this " + doc + " and extract all information.\n\n" +
		"Return as JSON with this structure:\n```json\n{\n" +
		`  "header": {"vendor_name": "Company Name", "vendor_address": "Full address", "vendor_phone": "Phone number", "vendor_email": "Email", "invoice_number": "INV-001", "date": "2024-01-15", "due_date": "2024-02-15", "customer_name": "Customer", "customer_address": "Address"},` + "\n" +
		`  "line_items": [{"description": "Item description", "quantity": 1, "unit_price": 10.00, "amount": 10.00, "tax_rate": 0.1}],` + "\n" +
		`  "summary": {"subtotal": 10.00, "tax": 1.00, "discount": 0.00, "total": 11.00, "currency": "USD"},` + "\n" +
		`  "payment": {"method": "Bank Transfer", "terms": "Net 30", "bank_details": "Account info if present"}` + "\n" +
		"}\n```\n\nExtract all visible information. Use null for missing fields."
	return invoiceTmpl.prompt(req, user), nil
}

// InvoiceValidation is the arithmetic check of a parsed invoice.
type InvoiceValidation struct {
	IsValid  bool     `json:"is_valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

const invoiceTolerance = 0.01

// ValidateInvoice checks subtotal against line amounts and total against
// subtotal+tax-discount (errors), and qty*price against amount per line
// (warnings). Missing numbers count as zero.
func ValidateInvoice(lineItems []any, summary map[string]any) InvoiceValidation {
	v := InvoiceValidation{Errors: []string{}, Warnings: []string{}}
	num := func(m map[string]any, k string) float64 {
		f, _ := toFloat(m[k])
		return f
	}
	if len(lineItems) > 0 {
		var calc float64
		for _, it := range lineItems {
			calc += num(asMap(it), "amount")
		}
		reported := num(summary, "subtotal")
		if math.Abs(calc-reported) > invoiceTolerance {
			v.Errors = append(v.Errors, fmt.Sprintf("Subtotal mismatch: calculated %.2f, reported %.2f", calc, reported))
		}
	}
	expected := num(summary, "subtotal") + num(summary, "tax") - num(summary, "discount")
	total := num(summary, "total")
	if math.Abs(expected-total) > invoiceTolerance {
		v.Errors = append(v.Errors, fmt.Sprintf("Total mismatch: expected %.2f, reported %.2f", expected, total))
	}
	for i, it := range lineItems {
		m := asMap(it)
		want := num(m, "quantity") * num(m, "unit_price")
		amount := num(m, "amount")
		if math.Abs(want-amount) > invoiceTolerance {
			v.Warnings = append(v.Warnings, fmt.Sprintf("Line %d: qty*price (%.2f) != amount (%.2f)", i+1, want, amount))
		}
	}
	v.IsValid = len(v.Errors) == 0
	return v
}

// validateInvoiceDocument adds header date ordering to the arithmetic check.
func validateInvoiceDocument(header map[string]any, items []any, summary map[string]any) InvoiceValidation {
	v := ValidateInvoice(items, summary)
	v.Errors = append(v.Errors, CheckDateOrder(stringValues(header), nil)...)
	v.IsValid = len(v.Errors) == 0
	return v
}

func (Invoice) ParseOutput(raw string) (types.Result, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return types.Result{}, noStructuredOutput(TaskInvoice)
	}
	header := nonNilMap(asMap(obj["header"]))
	items := nonNil(asSlice(obj["line_items"]))
	summary := nonNilMap(asMap(obj["summary"]))
	payment := nonNilMap(asMap(obj["payment"]))
	res := types.Result{
		Fields: map[string]types.Field{},
		Data: map[string]any{
			"header":     header,
			"line_items": items,
			"summary":    summary,
			"payment":    payment,
			"validation": validateInvoiceDocument(header, items, summary),
		},
	}
	for k, v := range header {
		if v != nil {
			res.Fields[k] = types.Field{Value: toString(v)}
		}
	}
	for _, k := range []string{"subtotal", "tax", "discount", "total", "currency"} {
		if v, ok := summary[k]; ok && v != nil {
			res.Fields[k] = types.Field{Value: toString(v)}
		}
	}
	for _, b := range asSlice(obj["bounding_boxes"]) {
		m := asMap(b)
		if box := boxPtr(firstPresent(m, "bbox")); box != nil {
			res.Overlay = append(res.Overlay, types.OverlayBox{Box: *box, Label: toString(m["label"])})
		}
	}
	res.Boxes = boxesOf(res.Overlay)
	return res, nil
}

var contractTmpl = template{
	info: types.TaskInfo{
		ID:            TaskContract,
		Description:   "Analyze contracts: parties, dates, clauses, obligations and key terms",
		RequiresMedia: true,
	},
	system: "You are a helpful assistant specialized in contract analysis. " +
		"Extract key information from contracts including parties involved, " +
		"dates, terms, clauses, obligations, and important provisions.",
}

// Contract analyzes contracts. Options: clauses=false, obligations=false.
type Contract struct{}

func (Contract) Info() types.TaskInfo { return contractTmpl.info }

func (Contract) BuildPrompt(req Request) (types.PromptSpec, error) {
	var b strings.Builder
	b.WriteString("Analyze this contract document and extract:\n\n")
	b.WriteString("1. **Parties**: All parties involved with their roles\n")
	b.WriteString("2. **Dates**: Effective date, termination date, and other key dates\n")
	if req.Option("clauses") != "false" {
		b.WriteString("3. **Clauses**: Key clauses with their titles and summaries\n")
	}
	if req.Option("obligations") != "false" {
		b.WriteString("4. **Obligations**: What each party must do\n")
	}
	b.WriteString("5. **Key Terms**: Important terms like payment, duration, termination conditions\n\n" +
		"Return as JSON:\n```json\n{\n" +
		`  "parties": [{"name": "Party Name", "role": "Buyer/Seller/Service Provider/Client", "address": "Address if present", "representative": "Signing person"}],` + "\n" +
		`  "dates": {"effective_date": "2024-01-15", "termination_date": "2025-01-15", "signing_date": "2024-01-10"},` + "\n" +
		`  "clauses": [{"number": "1", "title": "Clause Title", "summary": "Brief summary of clause content", "type": "standard|custom|boilerplate"}],` + "\n" +
		`  "obligations": [{"party": "Party name", "obligation": "What they must do", "deadline": "Date or condition", "consequence": "What happens if not fulfilled"}],` + "\n" +
		`  "key_terms": {"contract_value": "Total value", "payment_terms": "Payment schedule", "duration": "Contract duration", "termination_clause": "How to terminate", "governing_law": "Jurisdiction", "dispute_resolution": "Arbitration/Court"}` + "\n" +
		"}\n```")
	return contractTmpl.prompt(req, b.String()), nil
}

func (Contract) ParseOutput(raw string) (types.Result, error) {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return types.Result{}, noStructuredOutput(TaskContract)
	}
	dates := nonNilMap(asMap(obj["dates"]))
	terms := nonNilMap(asMap(obj["key_terms"]))
	res := types.Result{
		Fields: map[string]types.Field{},
		Data: map[string]any{
			"parties":     nonNil(asSlice(obj["parties"])),
			"dates":       dates,
			"clauses":     nonNil(asSlice(obj["clauses"])),
			"obligations": nonNil(asSlice(obj["obligations"])),
			"key_terms":   terms,
			"date_errors": append([]string{}, CheckDateOrder(stringValues(dates), nil)...),
		},
	}
	for k, v := range dates {
		if s, ok := v.(string); ok && s != "" {
			f := types.Field{Value: s, Type: "date"}
			if ok, reason := ValidateValue("date", s); !ok {
				f.Errors = []string{reason}
			}
			res.Fields[k] = f
		}
	}
	for k, v := range terms {
		if v != nil {
			res.Fields[k] = types.Field{Value: toString(v)}
		}
	}
	return res, nil
}

// stringValues keeps the non-empty string members of m.
func stringValues(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && s != "" {
			out[k] = s
		}
	}
	return out
}

func nonNil(s []any) []any {
	if s == nil {
		return []any{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
