package proposal

// DefaultCurrency is assumed for budgets captured before currencies were
// recorded (first-generation payloads stored a bare number).
const DefaultCurrency = "USD"

// Normalize rewrites a proposal payload captured under older conventions
// into the canonical shape. It runs on every read path, not just writes,
// and is idempotent: normalizing already-canonical data returns it
// unchanged. Rules apply independently of each other and never drop keys
// the engine does not understand.
func Normalize(d Data) Data {
	if d.Budget != nil && d.Budget.Currency == "" {
		budget := *d.Budget
		budget.Currency = DefaultCurrency
		d.Budget = &budget
	}
	// Legacy payloads kept rich text under "content". Copy it forward to the
	// canonical description key; content itself is preserved for forward
	// compatibility, never deleted.
	if d.Description == "" && d.Content != "" {
		d.Description = d.Content
	}
	if d.AttachmentIDs == nil {
		d.AttachmentIDs = []string{}
	}
	return d
}
