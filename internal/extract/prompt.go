package extract

import "strings"

// extractionPrompt is the fixed instruction sent with every extraction call.
// The model must emit only a JSON object with the six expected keys.
const extractionPrompt = `Extract the following details from the provided content (text or image of a receipt/invoice):
- Merchant name (customer)
- Transaction date (in YYYY-MM-DD format)
- Total amount (as a number, without currency symbols). Prefer a labeled numeric total; if none is present, fall back to an amount spelled out in words.
- Document number (if available)
- Document type (e.g., Invoice, Receipt, Bill)
- Items description (a concise summary of the items or services, if available in the document body)

Format the output as a JSON object with the keys: "customer", "date", "amount", "document", "type", "items_description".
If a value is not found, use an empty string "" or null.
The final output must be only the JSON object, with no other text or markdown formatting.`

// cleanModelJSON strips Markdown code fences and surrounding junk that the
// model emits when it ignores the formatting instruction.
func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	// If there is still text around the JSON object, keep only from the
	// first '{' to the last '}'.
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = strings.TrimSpace(s[start : end+1])
		}
	}

	return s
}
