package ledger

import (
	"strings"

	"github.com/dvloznov/ledgerdrive/internal/domain"
)

// Header is the fixed first line of every ledger file. It is written exactly
// once, when the file is created, and never repeated.
const Header = "id,document,type,date,amount,customer,items_description,attachment_url"

// SerializeRow encodes one record as a CSV line in the ledger's fixed column
// order. Fields containing a comma, a quote, or a newline are wrapped in
// double quotes with internal quotes doubled; empty values stay empty and
// unquoted.
func SerializeRow(r domain.Record) string {
	fields := []string{
		r.ID,
		r.Document,
		r.Type,
		r.Date,
		r.Amount,
		r.Customer,
		r.ItemsDescription,
		r.AttachmentLink,
	}

	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = quoteField(f)
	}
	return strings.Join(quoted, ",")
}

func quoteField(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}
